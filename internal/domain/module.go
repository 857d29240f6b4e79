package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Module is a pluggable enrichment source. Decide must be cheap and side
// effect free; Execute does the work.
type Module interface {
	Name() string
	Decide(ctx context.Context, d *Dispatch) bool
	Execute(ctx context.Context, d *Dispatch) (json.RawMessage, error)
}

// TimeoutModule overrides the runtime's default execution limit.
type TimeoutModule interface {
	Module
	Timeout() time.Duration
}

// IOCTypedModule is a Module that only handles some indicator types.
type IOCTypedModule interface {
	Module
	SupportedIOCTypes() []string
}

// ModuleInfo is the metadata a module advertises. An empty
// SupportedIOCTypes means the module takes any payload.
type ModuleInfo struct {
	SupportedIOCTypes []string `json:"supported_ioc_types"`
}

// InfoOf reports what m advertises.
func InfoOf(m Module) ModuleInfo {
	info := ModuleInfo{SupportedIOCTypes: []string{}}
	if t, ok := m.(IOCTypedModule); ok {
		info.SupportedIOCTypes = append(info.SupportedIOCTypes, t.SupportedIOCTypes()...)
	}
	return info
}

// ModuleDirectory lists the modules hosted by live workers, keyed by name.
type ModuleDirectory interface {
	Modules(ctx context.Context) (map[string]ModuleInfo, error)
}
