package eventmesh

import (
	"context"
	"slices"
	"sync"
)

// Directory lists the mesh members. The transport re-reads Members on
// every reconcile cycle and never caches the result beyond that cycle.
type Directory interface {
	LocalNodeID() string
	Members(ctx context.Context) ([]string, error)
}

// StaticDirectory is a fixed member list that can be replaced at runtime.
type StaticDirectory struct {
	nodeID string

	mu      sync.RWMutex
	members []string
}

func NewStaticDirectory(nodeID string, members ...string) *StaticDirectory {
	return &StaticDirectory{
		nodeID:  nodeID,
		members: slices.Clone(members),
	}
}

func (d *StaticDirectory) LocalNodeID() string { return d.nodeID }

func (d *StaticDirectory) Members(_ context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.members), nil
}

// SetMembers replaces the member list. Takes effect on the next reconcile.
func (d *StaticDirectory) SetMembers(members ...string) {
	d.mu.Lock()
	d.members = slices.Clone(members)
	d.mu.Unlock()
}
