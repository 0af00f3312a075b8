package config

import (
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

// Config carries the engine's tunables. Zero values are filled from Default,
// so a config file only needs the keys it wants to override.
type Config struct {
	// DBFile is the path of the database file.
	DBFile string `toml:"db_file"`

	// PoolSize is the number of frames per buffer pool instance.
	PoolSize int `toml:"pool_size"`

	// PoolInstances is the number of buffer pool shards. With 1 the engine
	// runs a single pool.
	PoolInstances int `toml:"pool_instances"`

	// Replacer selects the eviction policy, "lru" or "clock". It is read only
	// when PoolInstances is 1; the instances of a parallel pool always use LRU.
	Replacer string `toml:"replacer"`

	// LogLevel is a logrus level name, e.g. "info" or "debug".
	LogLevel string `toml:"log_level"`
}

func Default() Config {
	return Config{
		DBFile:        "hashdb.db",
		PoolSize:      64,
		PoolInstances: 4,
		Replacer:      "lru",
		LogLevel:      "info",
	}
}

// LoadFile reads a TOML config file and overlays it on the defaults.
func LoadFile(path string) (Config, error) {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "could not load config file")
	}

	cfg := Default()
	if err := tree.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "could not parse config file")
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	def := Default()
	if c.DBFile == "" {
		c.DBFile = def.DBFile
	}
	if c.PoolSize == 0 {
		c.PoolSize = def.PoolSize
	}
	if c.PoolInstances == 0 {
		c.PoolInstances = def.PoolInstances
	}
	if c.Replacer == "" {
		c.Replacer = def.Replacer
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	return c
}
