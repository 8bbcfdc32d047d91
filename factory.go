package filezoom

import (
	"fmt"
	"sort"
	"sync"
)

// DriverFactory creates a Backend from a mount descriptor.
type DriverFactory func(d Descriptor) (Backend, error)

var (
	driverFactories = make(map[string]DriverFactory)
	factoryMutex    sync.RWMutex
)

// RegisterDriver registers a driver factory function
func RegisterDriver(name string, factory DriverFactory) {
	factoryMutex.Lock()
	defer factoryMutex.Unlock()
	driverFactories[name] = factory
}

// CreateBackend creates a backend instance from a descriptor.
func CreateBackend(d Descriptor) (Backend, error) {
	factoryMutex.RLock()
	factory, exists := driverFactories[d.Driver]
	factoryMutex.RUnlock()

	if !exists {
		return nil, fmt.Errorf("driver %s not registered", d.Driver)
	}

	return factory(d)
}

// Drivers returns the names of all registered drivers.
func Drivers() []string {
	factoryMutex.RLock()
	defer factoryMutex.RUnlock()
	names := make([]string, 0, len(driverFactories))
	for name := range driverFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
