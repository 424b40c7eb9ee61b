package selector

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/vastrel/credpool/internal/config"
	"github.com/vastrel/credpool/internal/core"
)

var ErrUnknownStrategy = errors.New("unknown selection strategy")

// Candidate is one eligible account plus the capacity snapshot the pool
// computed for it. Candidates arrive pre-filtered: active, circuit not open,
// within capacity, and permitted for the requesting tenant.
type Candidate struct {
	Account *core.Account
	// RemainingFraction is remaining/limit on the primary (requests) metric.
	RemainingFraction float64
	// Used is absolute windowed usage on the primary metric.
	Used int64
}

// Strategy picks one account from the eligible set. A nil return means the
// set was empty — exhaustion is a normal outcome, not an error.
type Strategy interface {
	Name() string
	Pick(tenantID string, candidates []Candidate) *core.Account
}

// Factory builds a strategy instance from selector configuration.
type Factory func(cfg config.SelectorConfig) Strategy

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a strategy constructable by name. Called from init.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// New builds the named strategy. Unknown names fail loudly so a typo in
// configuration is caught at load time instead of silently defaulting.
func New(name string, cfg config.SelectorConfig) (Strategy, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	return f(cfg), nil
}

// Names lists the registered strategies, sorted, for error messages and
// config validation output.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
