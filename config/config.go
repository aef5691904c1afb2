// Package config loads index settings from a YAML or TOML file and MRINDEX_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/drpcorg/mrindex"
	"github.com/drpcorg/mrindex/progress"
	"github.com/drpcorg/mrindex/storage"
	"github.com/drpcorg/mrindex/utils"
)

const EnvPrefix = "MRINDEX"

type Config struct {
	Dir             string `mapstructure:"dir"`
	Name            string `mapstructure:"name"`
	Version         uint32 `mapstructure:"version"`
	ReadOnly        bool   `mapstructure:"read_only"`
	SyncWrites      bool   `mapstructure:"sync_writes"`
	Compression     string `mapstructure:"compression"`
	CompressMin     int    `mapstructure:"compress_min"`
	ForwardCache    int    `mapstructure:"forward_cache"`
	CheckpointEvery int    `mapstructure:"checkpoint_every"`
	CaseInsensitive bool   `mapstructure:"case_insensitive"`
	Workers         int    `mapstructure:"workers"`
	LogLevel        string `mapstructure:"log_level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dir", ".mrindex")
	v.SetDefault("name", "words")
	v.SetDefault("version", 1)
	v.SetDefault("read_only", false)
	v.SetDefault("sync_writes", false)
	v.SetDefault("compression", storage.CompressionNone.String())
	v.SetDefault("compress_min", storage.DefaultCompressMin)
	v.SetDefault("forward_cache", storage.DefaultForwardCache)
	v.SetDefault("checkpoint_every", progress.DefaultEvery)
	v.SetDefault("case_insensitive", false)
	v.SetDefault("workers", 4)
	v.SetDefault("log_level", "info")
}

// Load reads path, if given, over the defaults; environment variables
// such as MRINDEX_DIR or MRINDEX_LOG_LEVEL override both.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	return cfg, nil
}

// Options turns the config into index options, with a logger at the
// configured level.
func (c *Config) Options() (mrindex.Options, error) {
	compression, err := storage.ParseCompression(c.Compression)
	if err != nil {
		return mrindex.Options{}, err
	}
	level, err := utils.ParseLevel(c.LogLevel)
	if err != nil {
		return mrindex.Options{}, err
	}
	return mrindex.Options{
		Dir:             c.Dir,
		Name:            c.Name,
		Version:         c.Version,
		ReadOnly:        c.ReadOnly,
		SyncWrites:      c.SyncWrites,
		Compression:     compression,
		CompressMin:     c.CompressMin,
		ForwardCache:    c.ForwardCache,
		CheckpointEvery: c.CheckpointEvery,
		Logger:          utils.NewDefaultLogger(level),
	}, nil
}
