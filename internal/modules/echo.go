// Package modules holds the worker modules shipped with the service.
package modules

import (
	"context"
	"encoding/json"

	"threat-api/internal/domain"
)

// EchoName is the reference module's identifier.
const EchoName = "echo"

// Echo returns the submitted payload unchanged. It exists to exercise the
// pipeline end to end.
type Echo struct{}

func NewEcho() *Echo { return &Echo{} }

func (e *Echo) Name() string { return EchoName }

func (e *Echo) Decide(ctx context.Context, d *domain.Dispatch) bool {
	return d.Requests(EchoName)
}

func (e *Echo) Execute(ctx context.Context, d *domain.Dispatch) (json.RawMessage, error) {
	return d.Payload, nil
}
