package driver

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// registry holds all registered drivers.
var (
	registryMu sync.RWMutex
	drivers    = make(map[string]Driver)
)

// Register adds a driver to the global registry.
// This is typically called from a driver package's init() function.
//
// Panics if a driver with the same name or alias is already registered.
func Register(d Driver) {
	registryMu.Lock()
	defer registryMu.Unlock()

	name := d.Name()
	if _, exists := drivers[name]; exists {
		panic(fmt.Sprintf("driver %q already registered", name))
	}
	drivers[name] = d

	for _, alias := range d.Aliases() {
		if _, exists := drivers[alias]; exists {
			panic(fmt.Sprintf("driver alias %q already registered", alias))
		}
		drivers[alias] = d
	}
}

// Get retrieves a driver by name or alias (case-insensitive).
func Get(nameOrAlias string) (Driver, error) {
	registryMu.RLock()
	d, exists := drivers[strings.ToLower(nameOrAlias)]
	registryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown record store driver: %q (available: %v)", nameOrAlias, Available())
	}
	return d, nil
}

// Canonicalize returns the primary driver name for a given name or alias.
// For example, "sqlserver" returns "mssql", "postgresql" returns "postgres".
// Returns the input unchanged if no driver matches.
func Canonicalize(nameOrAlias string) string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	d, exists := drivers[strings.ToLower(nameOrAlias)]
	if !exists {
		return nameOrAlias
	}
	return d.Name()
}

// Available returns a sorted list of registered primary driver names.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	seen := make(map[string]bool)
	for _, d := range drivers {
		seen[d.Name()] = true
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRegistered returns true if a driver with the given name or alias exists.
func IsRegistered(nameOrAlias string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, exists := drivers[strings.ToLower(nameOrAlias)]
	return exists
}
