// Package step defines the contract every pipeline stage implements and the
// per-instance runtime state the engine hands to it.
//
// A step is selected by Kind from a factory table filled by init functions
// in the step packages. Each running copy receives an immutable Config and a
// mutable *State:
//
//	Created -> Initialized -> Running -> {Done | Stopped | Errored}
//
// Init runs once per copy before any row moves. ProcessRow is called in a
// loop until it returns false or the step is stopped; it reads at most one
// row and may write any number. The runtime signals end-of-stream on the
// step's outputs once the loop ends, so steps do not have to. Dispose
// releases resources and must be safe to call more than once.
package step

import (
	"fmt"
	"sort"
	"sync"

	"rowflow/internal/config"
)

// Step is the capability interface implemented by every stage.
type Step interface {
	Init(cfg Config, st *State) error
	// ProcessRow returns false once the step has no more work. A non-nil
	// error stops a threaded pipeline; the cooperative executor counts it and
	// keeps calling the step as long as the failing call moved a row.
	ProcessRow(cfg Config, st *State) (bool, error)
	Dispose(cfg Config, st *State)
	// RequestStop asks the step to stop at its next safe point. It must not
	// block. The State's stop flag is already set when it is called.
	RequestStop(cfg Config, st *State)
}

// Defaults provides no-op Dispose and RequestStop for embedding.
type Defaults struct{}

func (Defaults) Dispose(Config, *State)     {}
func (Defaults) RequestStop(Config, *State) {}

// Config is the immutable per-step configuration, already substituted.
type Config struct {
	Name          string
	Kind          string
	Copies        int
	Distribute    bool
	Options       config.Options
	ErrorHandling config.ErrorHandling
}

// ConfigFromDef converts a pipeline step definition.
func ConfigFromDef(d config.StepDef) Config {
	opts := d.Options
	if opts == nil {
		opts = config.Options{}
	}
	return Config{
		Name:          d.Name,
		Kind:          d.Kind,
		Copies:        d.CopyCount(),
		Distribute:    d.DistributeRows(),
		Options:       opts,
		ErrorHandling: d.ErrorHandling,
	}
}

// Registration describes one step kind in the factory table.
type Registration struct {
	Kind string
	New  func(cfg Config) (Step, error)
	// DedicatedThread marks steps that block on several inputs and cannot run
	// under the cooperative executor.
	DedicatedThread bool
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Registration{}
)

// Register adds a step kind. It is meant to be called from init and panics
// on an empty or duplicate kind.
func Register(r Registration) {
	if r.Kind == "" || r.New == nil {
		panic("step: Register requires Kind and New")
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[r.Kind]; dup {
		panic(fmt.Sprintf("step: kind %q registered twice", r.Kind))
	}
	registry[r.Kind] = r
}

// Lookup returns the registration for kind.
func Lookup(kind string) (Registration, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	r, ok := registry[kind]
	if !ok {
		return Registration{}, fmt.Errorf("unknown step kind: %q", kind)
	}
	return r, nil
}

// Kinds returns the registered kinds in sorted order.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
