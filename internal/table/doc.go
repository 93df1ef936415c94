// Package table provides a generic, thread-safe keyed table used for the
// process-lifetime registries of the voxel GI bridge.
//
// Unlike a cache, a Table never evicts: entries leave only through Delete
// or Take. Registries that mirror a resource owned by another device depend
// on this, because an evicted mapping would silently orphan the secondary
// copy.
//
//	t := table.New[uint64, *Entry]()
//	e, created := t.GetOrCreate(id, func() *Entry { return &Entry{} })
//
// # Thread Safety
//
// Table is safe for concurrent use and must not be copied after creation.
package table
