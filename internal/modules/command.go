package modules

import (
	"bytes"
	"context"
	"encoding/json"
	"slices"
	"time"

	"threat-api/internal/classify"
	"threat-api/internal/domain"
)

// CommandRunner executes a local command. shell.Runner satisfies it.
type CommandRunner interface {
	Run(ctx context.Context, command string, stdin []byte) ([]byte, error)
}

// CommandConfig describes a module backed by a local program. The program
// reads the payload on stdin and writes its answer to stdout.
type CommandConfig struct {
	Name    string        `mapstructure:"name" validate:"required,modulename"`
	Command string        `mapstructure:"command" validate:"required"`
	Timeout time.Duration `mapstructure:"timeout"`
	// IOCTypes limits the module to payloads whose ioc_type is listed. A
	// payload without ioc_type is classified from its ioc field. Empty
	// means any payload.
	IOCTypes []string `mapstructure:"ioc_types"`
}

// Command wraps a local program as a module.
type Command struct {
	cfg    CommandConfig
	runner CommandRunner
}

func NewCommand(cfg CommandConfig, runner CommandRunner) *Command {
	return &Command{cfg: cfg, runner: runner}
}

func (c *Command) Name() string { return c.cfg.Name }

func (c *Command) Timeout() time.Duration { return c.cfg.Timeout }

func (c *Command) SupportedIOCTypes() []string { return slices.Clone(c.cfg.IOCTypes) }

func (c *Command) Decide(ctx context.Context, d *domain.Dispatch) bool {
	if !d.Requests(c.cfg.Name) {
		return false
	}
	if len(c.cfg.IOCTypes) == 0 {
		return true
	}
	var p struct {
		IOC     string `json:"ioc"`
		IOCType string `json:"ioc_type"`
	}
	if err := json.Unmarshal(d.Payload, &p); err != nil {
		return false
	}
	if p.IOCType == "" {
		p.IOCType = string(classify.Type(p.IOC))
	}
	return slices.Contains(c.cfg.IOCTypes, p.IOCType)
}

func (c *Command) Execute(ctx context.Context, d *domain.Dispatch) (json.RawMessage, error) {
	out, err := c.runner.Run(ctx, c.cfg.Command, d.Payload)
	if err != nil {
		return nil, err
	}
	return asJSON(bytes.TrimSpace(out))
}
