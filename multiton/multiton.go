// Package multiton implements the process-wide System registry (spec
// §4.8): a SystemIndex -> *rollback.System map with lazy creation, mainly
// so tests can host two or more Systems as in-process peers without
// threading a shared context through every call.
package multiton

import (
	"sync"

	"github.com/lixenwraith/rollback/config"
	"github.com/lixenwraith/rollback/constant"
	"github.com/lixenwraith/rollback/rollback"
)

var (
	mu      sync.RWMutex
	systems = make(map[constant.SystemIndex]*rollback.System)
)

// Get returns the System for index, creating it with cfg if it does not
// already exist. cfg is ignored on subsequent calls for the same index.
func Get(index constant.SystemIndex, cfg config.Config) *rollback.System {
	mu.Lock()
	defer mu.Unlock()

	sys, ok := systems[index]
	if !ok {
		sys = rollback.New(index, cfg)
		systems[index] = sys
	}
	return sys
}

// Lookup returns the System for index without creating one, and whether
// it existed.
func Lookup(index constant.SystemIndex) (*rollback.System, bool) {
	mu.RLock()
	defer mu.RUnlock()
	sys, ok := systems[index]
	return sys, ok
}

// ForceResetAndCleanup drops every System in the registry (spec §4.8).
// Each System's own ForceResetAndCleanup is invoked first so user
// components still see a clean teardown.
func ForceResetAndCleanup() {
	mu.Lock()
	defer mu.Unlock()
	for _, sys := range systems {
		sys.ForceResetAndCleanup()
	}
	systems = make(map[constant.SystemIndex]*rollback.System)
}

// Count returns the number of Systems currently registered, mainly for
// tests asserting cleanup behavior.
func Count() int {
	mu.RLock()
	defer mu.RUnlock()
	return len(systems)
}
