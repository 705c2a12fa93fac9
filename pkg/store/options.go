package store

import (
	"log/slog"

	"mvccdb/pkg/compaction"
	"mvccdb/pkg/compression"
	"mvccdb/pkg/config"
	"mvccdb/pkg/metrics"
	"mvccdb/pkg/persistence"
)

type Options struct {
	// FlushThreshold is the memtable size that triggers a rotation.
	FlushThreshold int64
	// MaxImmTables frozen memtables may wait for a flush before writes stall.
	MaxImmTables int
	SyncWAL      bool

	Table         persistence.WriterOptions
	CacheCapacity int
	Compaction    compaction.Options
	// ManifestRewriteThreshold is the number of manifest records after
	// which the manifest is rewritten as a single snapshot.
	ManifestRewriteThreshold int
	// DisableAutoCompaction leaves compaction to explicit Compact calls.
	DisableAutoCompaction bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Option func(*Options)

func defaultOptions() Options {
	o := Options{}
	WithConfig(config.DefaultDB())(&o)
	return o
}

// WithConfig maps the db section of the configuration file onto the options.
// An unknown compression name falls back to snappy; Config.Validate reports it.
func WithConfig(cfg config.DB) Option {
	return func(o *Options) {
		ct, err := compression.Parse(cfg.SSTable.Compression)
		if err != nil {
			ct = compression.Snappy
		}
		o.FlushThreshold = cfg.Memtable.FlushThreshold.Int64()
		o.MaxImmTables = cfg.Memtable.MaxImmTables
		o.SyncWAL = cfg.WAL.Sync
		o.Table = persistence.WriterOptions{
			BlockSize:   int(cfg.SSTable.BlockSize),
			Compression: ct,
			BloomFPRate: cfg.SSTable.BloomFPRate,
		}
		o.CacheCapacity = cfg.SSTable.CacheCapacity
		o.Compaction = compaction.Options{
			L0Trigger:       cfg.Compaction.L0Trigger,
			BaseLevelSize:   cfg.Compaction.BaseLevelSize.Uint64(),
			LevelMultiplier: cfg.Compaction.LevelMultiplier,
			MaxLevels:       cfg.Compaction.MaxLevels,
			TargetFileSize:  cfg.SSTable.TargetFileSize.Uint64(),
		}
		o.ManifestRewriteThreshold = cfg.Compaction.ManifestRewriteThreshold
		if cfg.Metrics && o.Metrics == nil {
			o.Metrics = metrics.New()
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}

func WithFlushThreshold(n int64) Option {
	return func(o *Options) { o.FlushThreshold = n }
}

func WithMaxImmTables(n int) Option {
	return func(o *Options) { o.MaxImmTables = n }
}

func WithSyncWAL(sync bool) Option {
	return func(o *Options) { o.SyncWAL = sync }
}

func WithCompaction(c compaction.Options) Option {
	return func(o *Options) { o.Compaction = c }
}

func WithTableOptions(t persistence.WriterOptions) Option {
	return func(o *Options) { o.Table = t }
}

func WithManifestRewriteThreshold(n int) Option {
	return func(o *Options) { o.ManifestRewriteThreshold = n }
}

func WithDisableAutoCompaction() Option {
	return func(o *Options) { o.DisableAutoCompaction = true }
}

func (o *Options) ensureDefaults() {
	if o.FlushThreshold <= 0 {
		o.FlushThreshold = 4 << 20
	}
	if o.MaxImmTables <= 0 {
		o.MaxImmTables = 4
	}
	if o.ManifestRewriteThreshold <= 0 {
		o.ManifestRewriteThreshold = 1000
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Table.Logger == nil {
		o.Table.Logger = o.Logger
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Nop()
	}
}
