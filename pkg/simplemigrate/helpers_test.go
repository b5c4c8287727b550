package simplemigrate_test

import (
	"context"
	"errors"
	"sync"

	"github.com/tendant/simple-migrate/pkg/simplemigrate"
	"github.com/tendant/simple-migrate/pkg/simplemigrate/node/memory"
	"github.com/tendant/simple-migrate/pkg/simplemigrate/sysmeta"
)

var errInjected = errors.New("injected failure")

// flakySource wraps a memory node and fails chosen identifiers.
type flakySource struct {
	*memory.Node

	mu          sync.Mutex
	failObject  map[string]bool
	failMeta    map[string]bool
	rawMeta     map[string]string
	objectCalls map[string]int
}

func newFlakySource(name string) *flakySource {
	return &flakySource{
		Node:        memory.New(name),
		failObject:  make(map[string]bool),
		failMeta:    make(map[string]bool),
		rawMeta:     make(map[string]string),
		objectCalls: make(map[string]int),
	}
}

func (f *flakySource) Get(ctx context.Context, pid string) ([]byte, error) {
	f.mu.Lock()
	f.objectCalls[pid]++
	fail := f.failObject[pid]
	f.mu.Unlock()
	if fail {
		return nil, errInjected
	}
	return f.Node.Get(ctx, pid)
}

func (f *flakySource) GetSystemMetadata(ctx context.Context, pid string) (*simplemigrate.SystemMetadata, error) {
	f.mu.Lock()
	fail := f.failMeta[pid]
	doc, raw := f.rawMeta[pid]
	f.mu.Unlock()
	if fail {
		return nil, errInjected
	}
	if raw {
		return sysmeta.Parse([]byte(doc))
	}
	return f.Node.GetSystemMetadata(ctx, pid)
}

func (f *flakySource) calls(pid string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objectCalls[pid]
}

// seed stores pid with data and minimal source metadata.
func (f *flakySource) seed(pid, data string) {
	f.Put(pid, []byte(data), &simplemigrate.SystemMetadata{
		SerialVersion: 2,
		Identifier:    pid,
		FormatID:      "text/plain",
		Size:          uint64(len(data)),
		RightsHolder:  "uid=owner",
	})
}

// rejectingDestination wraps a memory node and rejects chosen identifiers.
type rejectingDestination struct {
	*memory.Node
	reject map[string]bool
}

func newRejectingDestination(reject ...string) *rejectingDestination {
	d := &rejectingDestination{Node: memory.New("gmn"), reject: make(map[string]bool)}
	for _, pid := range reject {
		d.reject[pid] = true
	}
	return d
}

func (d *rejectingDestination) accept(pid string) {
	delete(d.reject, pid)
}

func (d *rejectingDestination) Create(ctx context.Context, pid string, data []byte, meta *simplemigrate.SystemMetadata) error {
	if d.reject[pid] {
		return errInjected
	}
	return d.Node.Create(ctx, pid, data, meta)
}

func (d *rejectingDestination) Update(ctx context.Context, oldPID string, data []byte, newPID string, meta *simplemigrate.SystemMetadata) error {
	if d.reject[newPID] {
		return errInjected
	}
	return d.Node.Update(ctx, oldPID, data, newPID, meta)
}

func eventsWith(events []simplemigrate.AuditEvent, status simplemigrate.StepStatus) []simplemigrate.AuditEvent {
	var out []simplemigrate.AuditEvent
	for _, e := range events {
		if e.Status == status {
			out = append(out, e)
		}
	}
	return out
}
