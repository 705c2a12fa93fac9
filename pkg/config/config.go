package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/docker/go-units"
	"github.com/goccy/go-yaml"

	"mvccdb/pkg/compression"
)

// Config is the root of the YAML configuration file.
type Config struct {
	Logger LoggerConfig `yaml:"logger"`
	Server ServerConfig `yaml:"http-server"`
	DB     DB           `yaml:"db"`
}

type ServerConfig struct {
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

type DB struct {
	Path       string           `yaml:"path"`
	Memtable   MemtableConfig   `yaml:"memtable"`
	WAL        WALConfig        `yaml:"wal"`
	SSTable    SSTableConfig    `yaml:"sstable"`
	Compaction CompactionConfig `yaml:"compaction"`
	Metrics    bool             `yaml:"metrics"`
}

type MemtableConfig struct {
	FlushThreshold Size `yaml:"flush_threshold"`
	// MaxImmTables is the number of frozen memtables that may wait for a
	// flush before writes stall.
	MaxImmTables int `yaml:"max_imm_tables"`
}

type WALConfig struct {
	Sync bool `yaml:"sync"`
}

type SSTableConfig struct {
	BlockSize      Size    `yaml:"block_size"`
	TargetFileSize Size    `yaml:"target_file_size"`
	Compression    string  `yaml:"compression"`
	BloomFPRate    float64 `yaml:"bloom_fp_rate"`
	CacheCapacity  int     `yaml:"cache_capacity"`
}

type CompactionConfig struct {
	L0Trigger                int  `yaml:"l0_trigger"`
	BaseLevelSize            Size `yaml:"base_level_size"`
	LevelMultiplier          int  `yaml:"level_multiplier"`
	MaxLevels                int  `yaml:"max_levels"`
	ManifestRewriteThreshold int  `yaml:"manifest_rewrite_threshold"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// SlogLevel maps the configured level name to a slog level.
func (c LoggerConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(c.Level))); err != nil {
		return slog.LevelInfo, errors.Wrapf(err, "logger level %q", c.Level)
	}
	return lvl, nil
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
		},
		DB: DefaultDB(),
	}
}

func DefaultDB() DB {
	return DB{
		Path: "./data",
		Memtable: MemtableConfig{
			FlushThreshold: 4 * MiB,
			MaxImmTables:   4,
		},
		WAL: WALConfig{Sync: true},
		SSTable: SSTableConfig{
			BlockSize:      4 * KiB,
			TargetFileSize: 2 * MiB,
			Compression:    compression.Snappy.String(),
			BloomFPRate:    0.01,
			CacheCapacity:  1024,
		},
		Compaction: CompactionConfig{
			L0Trigger:                4,
			BaseLevelSize:            10 * MiB,
			LevelMultiplier:          10,
			MaxLevels:                7,
			ManifestRewriteThreshold: 1000,
		},
		Metrics: true,
	}
}

// Load reads a YAML file over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return Config{}, errors.Wrapf(err, "failed to read config %s", path)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "failed to parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if _, err := c.Logger.SlogLevel(); err != nil {
		return err
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errors.Newf("http-server.port %d out of range", c.Server.Port)
	}
	return c.DB.Validate()
}

func (d DB) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, errors.Newf(format, args...))
		}
	}

	check(d.Path != "", "db.path is required")
	check(d.Memtable.FlushThreshold > 0, "db.memtable.flush_threshold must be positive")
	check(d.Memtable.MaxImmTables >= 1, "db.memtable.max_imm_tables must be at least 1")
	check(d.SSTable.BlockSize > 0, "db.sstable.block_size must be positive")
	check(d.SSTable.TargetFileSize >= d.SSTable.BlockSize, "db.sstable.target_file_size must not be below the block size")
	check(d.SSTable.BloomFPRate > 0 && d.SSTable.BloomFPRate < 1, "db.sstable.bloom_fp_rate must be in (0, 1)")
	check(d.SSTable.CacheCapacity >= 0, "db.sstable.cache_capacity must not be negative")
	check(d.Compaction.L0Trigger >= 1, "db.compaction.l0_trigger must be at least 1")
	check(d.Compaction.BaseLevelSize > 0, "db.compaction.base_level_size must be positive")
	check(d.Compaction.LevelMultiplier >= 2, "db.compaction.level_multiplier must be at least 2")
	check(d.Compaction.MaxLevels >= 2, "db.compaction.max_levels must be at least 2")
	check(d.Compaction.ManifestRewriteThreshold >= 1, "db.compaction.manifest_rewrite_threshold must be at least 1")
	if _, err := compression.Parse(d.SSTable.Compression); err != nil {
		errs = append(errs, err)
	}

	var err error
	for _, e := range errs {
		err = errors.CombineErrors(err, e)
	}
	return errors.Wrap(err, "invalid config")
}

// Size is a byte count that reads and writes human-readable sizes such as
// "4MiB" or "64KB". Units are binary.
type Size int64

const (
	KiB Size = 1 << 10
	MiB Size = 1 << 20
	GiB Size = 1 << 30
)

func (s Size) Int64() int64   { return int64(s) }
func (s Size) Uint64() uint64 { return uint64(s) }
func (s Size) String() string { return units.BytesSize(float64(s)) }

func (s Size) MarshalYAML() ([]byte, error) {
	return []byte(strconv.Quote(s.String())), nil
}

func (s *Size) UnmarshalYAML(b []byte) error {
	text := strings.Trim(strings.TrimSpace(string(b)), `"'`)
	n, err := units.RAMInBytes(text)
	if err != nil {
		return errors.Wrapf(err, "invalid size %q", text)
	}
	if n < 0 {
		return errors.Newf("invalid size %q", text)
	}
	*s = Size(n)
	return nil
}
