// internal/infra/shell/shell_runner.go
package shell

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Runner executes local commands through bash.
type Runner struct {
	logger *slog.Logger
	tracer trace.Tracer
}

func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{
		logger: logger.With("component", "shell-runner"),
		tracer: otel.Tracer("threat-api-shell"),
	}
}

// Run executes command with stdin attached and returns stdout. On failure
// the error carries stderr. ctx bounds the process lifetime.
func (r *Runner) Run(ctx context.Context, command string, stdin []byte) ([]byte, error) {
	ctx, span := r.tracer.Start(ctx, "shell.Run",
		trace.WithAttributes(attribute.String("shell.command", command)))
	defer span.End()

	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Stdin = bytes.NewReader(stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if stderr.Len() > 0 {
		span.SetAttributes(attribute.String("shell.stderr", stderr.String()))
	}
	if err != nil {
		span.SetStatus(codes.Error, "shell command failed")
		span.RecordError(err)
		if stderr.Len() > 0 {
			return stdout.Bytes(), fmt.Errorf("shell command failed: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
		}
		return stdout.Bytes(), fmt.Errorf("shell command failed: %w", err)
	}

	r.logger.Debug("shell command executed", "command", command, "stdout_bytes", stdout.Len())
	return stdout.Bytes(), nil
}
