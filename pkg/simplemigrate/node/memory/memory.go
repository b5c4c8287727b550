package memory

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/tendant/simple-migrate/pkg/simplemigrate"
)

// Operation names recorded in the write log
const (
	OpCreate = "create"
	OpUpdate = "update"
)

// Write is one accepted destination call.
type Write struct {
	Op     string
	PID    string
	OldPID string
}

// Node is an in-memory implementation of the simplemigrate.Node interface
type Node struct {
	name string

	mu      sync.RWMutex
	objects map[string][]byte
	metas   map[string]*simplemigrate.SystemMetadata
	order   []string
	writes  []Write
}

// New creates a new empty in-memory node
func New(name string) *Node {
	if name == "" {
		name = "memory"
	}
	return &Node{
		name:    name,
		objects: make(map[string][]byte),
		metas:   make(map[string]*simplemigrate.SystemMetadata),
	}
}

// Name implements simplemigrate.ObjectSource.
func (n *Node) Name() string {
	return n.name
}

// Put seeds an object without going through Create. meta may be nil to
// simulate an object whose metadata is missing.
func (n *Node) Put(pid string, data []byte, meta *simplemigrate.SystemMetadata) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.put(pid, data, meta)
}

// AddIdentifier lists pid in the catalog without storing an object for it.
func (n *Node) AddIdentifier(pid string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.order = append(n.order, pid)
}

func (n *Node) put(pid string, data []byte, meta *simplemigrate.SystemMetadata) {
	if _, exists := n.objects[pid]; !exists {
		n.order = append(n.order, pid)
	}
	n.objects[pid] = append([]byte(nil), data...)
	if meta != nil {
		n.metas[pid] = meta.Clone()
	} else {
		delete(n.metas, pid)
	}
}

// List implements simplemigrate.CatalogSource. It iterates a snapshot taken
// when iteration starts.
func (n *Node) List(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		n.mu.RLock()
		pids := append([]string(nil), n.order...)
		n.mu.RUnlock()

		for _, pid := range pids {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if !yield(pid, nil) {
				return
			}
		}
	}
}

// Get implements simplemigrate.ObjectSource.
func (n *Node) Get(ctx context.Context, pid string) ([]byte, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	data, exists := n.objects[pid]
	if !exists {
		return nil, fmt.Errorf("%w: %s", simplemigrate.ErrNotFound, pid)
	}
	return append([]byte(nil), data...), nil
}

// GetSystemMetadata implements simplemigrate.ObjectSource.
func (n *Node) GetSystemMetadata(ctx context.Context, pid string) (*simplemigrate.SystemMetadata, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	meta, exists := n.metas[pid]
	if !exists {
		return nil, fmt.Errorf("%w: system metadata for %s", simplemigrate.ErrNotFound, pid)
	}
	return meta.Clone(), nil
}

// Create implements simplemigrate.Destination.
func (n *Node) Create(ctx context.Context, pid string, data []byte, meta *simplemigrate.SystemMetadata) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.objects[pid]; exists {
		return fmt.Errorf("%w: %s", simplemigrate.ErrAlreadyExists, pid)
	}
	n.put(pid, data, meta)
	n.writes = append(n.writes, Write{Op: OpCreate, PID: pid})
	return nil
}

// Update implements simplemigrate.Destination. The old object stays
// readable and is marked as obsoleted by newPID.
func (n *Node) Update(ctx context.Context, oldPID string, data []byte, newPID string, meta *simplemigrate.SystemMetadata) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	old, exists := n.metas[oldPID]
	if !exists {
		return fmt.Errorf("%w: %s", simplemigrate.ErrNotFound, oldPID)
	}
	if _, exists := n.objects[newPID]; exists {
		return fmt.Errorf("%w: %s", simplemigrate.ErrAlreadyExists, newPID)
	}
	if old.ObsoletedBy != "" {
		return fmt.Errorf("%s is already obsoleted by %s", oldPID, old.ObsoletedBy)
	}

	n.put(newPID, data, meta)
	old.ObsoletedBy = newPID
	n.writes = append(n.writes, Write{Op: OpUpdate, PID: newPID, OldPID: oldPID})
	return nil
}

// Writes returns the accepted destination calls in order.
func (n *Node) Writes() []Write {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]Write(nil), n.writes...)
}

// Len returns the number of stored objects.
func (n *Node) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.objects)
}
