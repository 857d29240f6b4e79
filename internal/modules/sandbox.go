package modules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"threat-api/internal/domain"
)

// Detonator runs an artifact through a slow external service and returns
// its report. longpoll.Adapter satisfies it.
type Detonator interface {
	Run(ctx context.Context, artifact []byte) ([]byte, error)
}

// Sandbox submits payload artifacts for detonation and reports the
// verdict. It acts only when asked by name and given an artifact.
type Sandbox struct {
	name      string
	detonator Detonator
	timeout   time.Duration
}

type artifactPayload struct {
	Artifact string `json:"artifact"`
}

// NewSandbox creates the module. timeout should exceed the detonator's own
// overall timeout so the expiry result comes from the detonator.
func NewSandbox(name string, detonator Detonator, timeout time.Duration) *Sandbox {
	return &Sandbox{name: name, detonator: detonator, timeout: timeout}
}

func (s *Sandbox) Name() string { return s.name }

func (s *Sandbox) Timeout() time.Duration { return s.timeout }

func (s *Sandbox) Decide(ctx context.Context, d *domain.Dispatch) bool {
	if !d.Requests(s.name) {
		return false
	}
	var p artifactPayload
	return json.Unmarshal(d.Payload, &p) == nil && p.Artifact != ""
}

func (s *Sandbox) Execute(ctx context.Context, d *domain.Dispatch) (json.RawMessage, error) {
	var p artifactPayload
	if err := json.Unmarshal(d.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode artifact: %w", err)
	}
	if p.Artifact == "" {
		return nil, errors.New("payload has no artifact")
	}

	report, err := s.detonator.Run(ctx, []byte(p.Artifact))
	if err != nil {
		return nil, err
	}
	return asJSON(report)
}

// asJSON passes JSON through and quotes anything else as a string.
func asJSON(b []byte) (json.RawMessage, error) {
	if json.Valid(b) {
		return json.RawMessage(b), nil
	}
	quoted, err := json.Marshal(string(b))
	if err != nil {
		return nil, err
	}
	return quoted, nil
}
