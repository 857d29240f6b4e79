package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"threat-api/internal/domain"
)

// ModuleSet is the explicit registry of modules hosted by one worker
// process. Adding a module here is the only way to make it act.
type ModuleSet struct {
	mu      sync.RWMutex
	modules map[string]domain.Module
}

func NewModuleSet(modules ...domain.Module) (*ModuleSet, error) {
	s := &ModuleSet{modules: make(map[string]domain.Module)}
	for _, m := range modules {
		if err := s.Register(m); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Register adds m. Module names must be unique within a process.
func (s *ModuleSet) Register(m domain.Module) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := m.Name()
	if name == "" {
		return fmt.Errorf("module name cannot be empty")
	}
	if _, ok := s.modules[name]; ok {
		return fmt.Errorf("module %s is already registered", name)
	}
	s.modules[name] = m
	return nil
}

func (s *ModuleSet) Get(name string) (domain.Module, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.modules[name]
	return m, ok
}

// All returns the modules ordered by name.
func (s *ModuleSet) All() []domain.Module {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Module, 0, len(s.modules))
	for _, m := range s.modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (s *ModuleSet) Names() []string {
	all := s.All()
	names := make([]string, len(all))
	for i, m := range all {
		names[i] = m.Name()
	}
	return names
}

// Infos returns what each hosted module advertises, keyed by name.
func (s *ModuleSet) Infos() map[string]domain.ModuleInfo {
	all := s.All()
	out := make(map[string]domain.ModuleInfo, len(all))
	for _, m := range all {
		out[m.Name()] = domain.InfoOf(m)
	}
	return out
}

// Modules lets a process that hosts its own modules serve as the module
// directory.
func (s *ModuleSet) Modules(context.Context) (map[string]domain.ModuleInfo, error) {
	return s.Infos(), nil
}
