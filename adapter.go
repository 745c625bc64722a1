package melda

import "context"

// Adapter is the storage boundary a MeldaCore is built on:
// a flat bag of named blobs, with no knowledge of delta blocks, packs, or
// revisions. Every production backend (filesystem, object store, a
// database row) only needs to implement these four methods; everything
// about the CRDT semantics lives above this boundary in DataStorage and
// MeldaCore. Names are the `<hash>.delta` / `<hash>.pack` storage keys;
// Adapter treats them as opaque strings.
type Adapter interface {
	// ReadObject fetches the bytes stored under name. ok is false, err is
	// nil when name does not exist; err is non-nil only for a genuine
	// storage failure (ErrAdapterIo).
	ReadObject(ctx context.Context, name string) (data []byte, ok bool, err error)

	// WriteObject stores data under name. Adapters backed by
	// content-addressed storage can treat this as idempotent: DataStorage
	// may write a name more than once, but always with the same bytes,
	// since name is the content hash.
	WriteObject(ctx context.Context, name string, data []byte) error

	// ListObjects returns every stored name whose storage key has the
	// given suffix (".delta" or ".pack"), in unspecified order —
	// MeldaCore sorts and orders them itself where order matters.
	ListObjects(ctx context.Context, suffix string) ([]string, error)

	// DeleteObject removes name. Optional: adapters that do not support
	// deletion (e.g. a pure content-addressed log) may return
	// ErrAdapterIo unconditionally; DataStorage never depends on delete
	// succeeding for correctness, only for reclaiming space.
	DeleteObject(ctx context.Context, name string) error
}
