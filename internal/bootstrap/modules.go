package bootstrap

import (
	"fmt"
	"log/slog"
	"time"

	"threat-api/internal/config"
	httpinfra "threat-api/internal/infra/http"
	"threat-api/internal/infra/shell"
	"threat-api/internal/longpoll"
	"threat-api/internal/modules"
	"threat-api/internal/worker"
)

// sandboxGrace lets the long-poll adapter report its own expiry before the
// runtime's module timeout fires.
const sandboxGrace = time.Minute

// BuildModules assembles the modules a worker pool hosts from config.
func BuildModules(wc config.WorkerConfig, logger *slog.Logger) (*worker.ModuleSet, error) {
	set, err := worker.NewModuleSet()
	if err != nil {
		return nil, err
	}

	if wc.Echo {
		if err := set.Register(modules.NewEcho()); err != nil {
			return nil, err
		}
	}

	if wc.Sandbox.Enabled {
		backend := httpinfra.NewSandboxClient(wc.Sandbox.BaseURL, wc.Sandbox.APIKey, wc.Sandbox.RequestTimeout)
		adapter := longpoll.NewAdapter(backend, wc.Sandbox.LongPoll, logger)
		sandbox := modules.NewSandbox(wc.Sandbox.Name, adapter, wc.Sandbox.LongPoll.OverallTimeout+sandboxGrace)
		if err := set.Register(sandbox); err != nil {
			return nil, err
		}
	}

	if len(wc.Commands) > 0 {
		runner := shell.NewRunner(logger)
		for _, cc := range wc.Commands {
			if err := set.Register(modules.NewCommand(cc, runner)); err != nil {
				return nil, fmt.Errorf("command module %q: %w", cc.Name, err)
			}
		}
	}

	if len(set.Names()) == 0 {
		return nil, fmt.Errorf("worker group %q hosts no modules", wc.Group)
	}
	return set, nil
}
