package service

import (
	"fmt"

	"github.com/qvirt/hwpipe/internal/interfaces"
)

// Registry resolves the two built-in service names to PingPong and Zero
// handlers. It implements interfaces.ServiceRegistry.
type Registry struct{}

// NewRegistry constructs the built-in registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Create implements interfaces.ServiceRegistry.
func (r *Registry) Create(name string, channel uint64, callbacks interfaces.HostCallbacks) (interfaces.ServiceHandler, error) {
	switch name {
	case "pingpong":
		return NewPingPong(channel, callbacks), nil
	case "zero":
		return NewZero(channel, callbacks), nil
	default:
		return nil, fmt.Errorf("service: unknown service %q", name)
	}
}
