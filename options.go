package melda

import (
	"log/slog"
	"time"

	"github.com/casperlundberg/libmelda/internal/util"
)

const defaultMaxPending = 1 << 20

// Options carries the engine-wide tunables. The zero value is usable:
// New calls SetDefaults before wiring anything.
type Options struct {
	// FlatMarker is the flattening marker suffix. All
	// replicas sharing a store must agree on one marker; this engine does
	// not support mixed markers within one document.
	FlatMarker string

	// CacheSize bounds the DataStorage read-through LRU, in blobs.
	CacheSize int

	// MaxPending bounds the uncommitted change buffer. Update refuses
	// with ErrPendingLimit once the buffer holds this many changes; a
	// single update's change set is never split, so the buffer may
	// overshoot by one update's worth before the bound engages.
	MaxPending int

	// Clock supplies the current time for operation-duration logging.
	// Tests inject a fake one; it never influences CRDT state, which is
	// content-addressed and clock-free.
	Clock func() time.Time

	// Logger receives debug/trace output from commit and meld decisions.
	// Nil selects a slog-backed default at Info level.
	Logger util.Logger
}

func (o *Options) SetDefaults() {
	if o.FlatMarker == "" {
		o.FlatMarker = DefaultFlatMarker
	}
	if o.CacheSize == 0 {
		o.CacheSize = 256
	}
	if o.MaxPending == 0 {
		o.MaxPending = defaultMaxPending
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = util.NewDefaultLogger(slog.LevelInfo)
	}
}
