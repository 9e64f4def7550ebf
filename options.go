package mellofs

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/melloos/mellofs/codec"
)

// DefaultCacheSize is the block cache capacity used when Options leaves it
// unset.
const DefaultCacheSize = 64 * 1024 * 1024

// Options tune a mount. The zero value is a working default.
type Options struct {
	// Logger receives mount, commit and recovery logs. Nil means
	// slog.Default().
	Logger *slog.Logger

	// CacheSize is the block cache capacity in bytes. Zero means
	// DefaultCacheSize.
	CacheSize int64

	// Registerer receives the engine metrics. Nil keeps them on a private
	// registry. Two mounts must not share one registerer.
	Registerer prometheus.Registerer

	// MaxDirtyBlocks asks for a commit once the open transaction group
	// holds this many dirty blocks. The commit runs on the next operation
	// boundary. Zero disables the trigger, changes then become durable only
	// through Sync and Unmount.
	MaxDirtyBlocks int

	// Codec compresses file content written through this mount. The zero
	// value stores content verbatim. Reads decompress whatever codec the
	// extent was written with, regardless of this setting.
	Codec codec.Codec
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o Options) cacheSize() int64 {
	if o.CacheSize <= 0 {
		return DefaultCacheSize
	}
	return o.CacheSize
}
