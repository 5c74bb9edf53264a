// Package registry is the in-memory host registry (§4.D): an ordered map
// of host name to *host.Host, port-conflict checks on registration, and
// cluster-wide rename propagation. Only the owning node mutates a Host;
// remote nodes hold the registry's read-only view and reach the real
// thing through RPC (§5: "Shared-resource policy").
package registry

import (
	"fmt"
	"sync"

	"github.com/dcsfleet/control/internal/host"
)

// Registry is an ordered map guarded by a single mutex, mirroring
// nixfleet's dashboard.Hub client map pattern but keyed by host name
// instead of connection.
type Registry struct {
	mu    sync.RWMutex
	order []string
	hosts map[string]*host.Host
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{hosts: make(map[string]*host.Host)}
}

// Register adds h under its own name, rejecting a collision on dcsPort or
// webguiPort against any other host already bound to the same node
// (§4.D: "Port conflict check on register").
func (r *Registry) Register(h *host.Host) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.order {
		other := r.hosts[name]
		if other.NodeName != h.NodeName || other.Name == h.Name {
			continue
		}
		if other.DCSPort == h.DCSPort || other.WebGUIPort == h.WebGUIPort {
			return fmt.Errorf("port conflict: host %s already binds dcs=%d webgui=%d on node %s",
				other.Name, other.DCSPort, other.WebGUIPort, h.NodeName)
		}
	}

	if _, exists := r.hosts[h.Name]; !exists {
		r.order = append(r.order, h.Name)
	}
	r.hosts[h.Name] = h
	return nil
}

// Get looks up a host by name.
func (r *Registry) Get(name string) (*host.Host, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hosts[name]
	return h, ok
}

// Remove deletes a host outright (§3: "Destroyed on explicit deletion").
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.hosts, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Rename re-keys a host in place, preserving its position in iteration
// order, so every proxy holding the old key can be updated in one step
// (§4.D "Rename").
func (r *Registry) Rename(oldName, newName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.hosts[oldName]
	if !ok {
		return fmt.Errorf("rename: host %s not found", oldName)
	}
	if _, collide := r.hosts[newName]; collide {
		return fmt.Errorf("rename: host %s already exists", newName)
	}

	h.Name = newName
	delete(r.hosts, oldName)
	r.hosts[newName] = h
	for i, n := range r.order {
		if n == oldName {
			r.order[i] = newName
			break
		}
	}
	return nil
}

// All returns hosts in registration order, the stable iteration order the
// admin surface and scheduler rely on.
func (r *Registry) All() []*host.Host {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*host.Host, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.hosts[n])
	}
	return out
}

// ForNode returns only the hosts bound to a given node.
func (r *Registry) ForNode(nodeName string) []*host.Host {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*host.Host
	for _, n := range r.order {
		if h := r.hosts[n]; h.NodeName == nodeName {
			out = append(out, h)
		}
	}
	return out
}

// UnregisterNode reverts every host bound to nodeName to UNREGISTERED,
// mirroring store.UnregisterNodeServers for the in-memory copy (§3:
// "status reverts to UNREGISTERED when its node goes silent").
func (r *Registry) UnregisterNode(nodeName string) {
	for _, h := range r.ForNode(nodeName) {
		h.ForceUnregistered()
	}
}
