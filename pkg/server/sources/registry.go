package sources

import (
	"fmt"
	"sort"
	"sync"
)

var (
	registry = make(map[string]SourceFactory)
	mu       sync.RWMutex
)

// Register adds a source factory to the registry under a source type
func Register(sourceType string, factory SourceFactory) {
	mu.Lock()
	defer mu.Unlock()
	registry[sourceType] = factory
}

// Create creates a new source instance of the given type
func Create(sourceType, name string, config map[string]interface{}) (Source, error) {
	mu.RLock()
	factory, ok := registry[sourceType]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSourceType, sourceType)
	}
	if config == nil {
		config = make(map[string]interface{})
	}

	return factory(name, config)
}

// List returns all registered source types, sorted
func List() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
