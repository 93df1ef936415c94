// Package handles provides the process-wide shared-handle table and the
// timeline fences both devices synchronize on.
//
// Exporting an object yields a SharedHandle whose name is unique for the
// process. Any device may open the name until every reference to it has
// been closed.
package handles

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/gogpu/voxgi/xdev"
)

// NamePrefix starts every shared handle name.
const NamePrefix = "voxgi-"

// Liveness is implemented by exported objects whose validity can end
// before their handle is closed.
type Liveness interface {
	Alive() bool
}

type entry struct {
	obj    any
	access xdev.Access
	refs   int
}

// Table maps handle names to exported objects.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

var defaultTable = NewTable()

// Default returns the process-wide table.
func Default() *Table { return defaultTable }

// NewTable creates an empty table. Tests use private tables so that handle
// counts are not shared between them.
func NewTable() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Export registers obj and returns a fresh handle holding one reference.
func (t *Table) Export(obj any, kind xdev.HandleKind, access xdev.Access) (xdev.SharedHandle, error) {
	if obj == nil {
		return xdev.SharedHandle{}, fmt.Errorf("handles: export nil object")
	}
	if l, ok := obj.(Liveness); ok && !l.Alive() {
		return xdev.SharedHandle{}, xdev.ErrResourceReleased
	}
	h := xdev.SharedHandle{Name: NamePrefix + uuid.NewString(), Kind: kind}

	t.mu.Lock()
	t.entries[h.Name] = &entry{obj: obj, access: access, refs: 1}
	t.mu.Unlock()
	return h, nil
}

// Open returns the object behind h. Opening with read-write access a
// handle exported read-only fails.
func (t *Table) Open(h xdev.SharedHandle, access xdev.Access) (any, error) {
	t.mu.Lock()
	e, ok := t.entries[h.Name]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", xdev.ErrUnknownHandle, h.Name)
	}
	if access == xdev.AccessReadWrite && e.access != xdev.AccessReadWrite {
		return nil, fmt.Errorf("handles: %q exported %s, opened %s", h.Name, e.access, access)
	}
	if l, ok := e.obj.(Liveness); ok && !l.Alive() {
		return nil, xdev.ErrResourceReleased
	}
	return e.obj, nil
}

// Retain adds a reference to h.
func (t *Table) Retain(h xdev.SharedHandle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[h.Name]
	if !ok {
		return fmt.Errorf("%w: %q", xdev.ErrUnknownHandle, h.Name)
	}
	e.refs++
	return nil
}

// Close drops one reference. The name is forgotten with the last one.
// Closing a handle never affects the exported object itself.
func (t *Table) Close(h xdev.SharedHandle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[h.Name]
	if !ok {
		return fmt.Errorf("%w: %q", xdev.ErrUnknownHandle, h.Name)
	}
	e.refs--
	if e.refs == 0 {
		delete(t.entries, h.Name)
	}
	return nil
}

// Refs returns the reference count of h, 0 if unknown.
func (t *Table) Refs(h xdev.SharedHandle) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[h.Name]; ok {
		return e.refs
	}
	return 0
}

// Len returns the number of open names.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
