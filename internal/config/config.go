// Package config loads rawvec CLI configuration from YAML files and
// RAWVEC_ environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hupe1980/rawvec/archive"
	"github.com/hupe1980/rawvec/engine"
)

// EnvPrefix is prepended to every environment override, e.g.
// RAWVEC_ENGINE_ROOT or RAWVEC_ARCHIVE_CODEC.
const EnvPrefix = "RAWVEC"

// Defaults.
const (
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
	DefaultCodec         = "zstd"
	DefaultMaxDocs       = 1 << 20
	DefaultFlushInterval = time.Second
)

// Config is the complete CLI configuration.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Engine  engine.Config `mapstructure:"engine"`
	Archive ArchiveConfig `mapstructure:"archive"`
}

// LogConfig configures the CLI logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ArchiveConfig configures pack and unpack.
type ArchiveConfig struct {
	// Root locates the blob store holding archives: a local directory,
	// s3://bucket/prefix or minio://bucket/prefix.
	Root      string `mapstructure:"root"`
	Codec     string `mapstructure:"codec"`
	BlockSize int    `mapstructure:"block_size"`
	// IOLimit caps archive throughput per second, e.g. "100MB".
	IOLimit string `mapstructure:"io_limit"`
	// CacheSize enables a block cache in front of remote stores, e.g. "64MiB".
	CacheSize string `mapstructure:"cache_size"`

	// Endpoint, Region and the keys address S3-compatible services. The
	// AWS default credential chain applies to s3:// roots.
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Secure    bool   `mapstructure:"secure"`

	// PublishTable names a DynamoDB table that serializes publishes to an
	// s3:// root.
	PublishTable string `mapstructure:"publish_table"`
}

// CodecValue parses Codec.
func (a ArchiveConfig) CodecValue() (archive.Codec, error) {
	return archive.ParseCodec(a.Codec)
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: DefaultLogLevel, Format: DefaultLogFormat},
		Engine: engine.Config{
			MaxDocs:       DefaultMaxDocs,
			FlushInterval: DefaultFlushInterval,
		},
		Archive: ArchiveConfig{
			Root:      ".",
			Codec:     DefaultCodec,
			BlockSize: archive.DefaultBlockSize,
			Secure:    true,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("engine.root", d.Engine.Root)
	v.SetDefault("engine.max_docs", d.Engine.MaxDocs)
	v.SetDefault("engine.memory_limit", "")
	v.SetDefault("engine.io_limit", "")
	v.SetDefault("engine.dump_workers", 0)
	v.SetDefault("engine.flush_interval", d.Engine.FlushInterval)
	v.SetDefault("archive.root", d.Archive.Root)
	v.SetDefault("archive.codec", d.Archive.Codec)
	v.SetDefault("archive.block_size", d.Archive.BlockSize)
	v.SetDefault("archive.io_limit", "")
	v.SetDefault("archive.cache_size", "")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.access_key", "")
	v.SetDefault("archive.secret_key", "")
	v.SetDefault("archive.secure", true)
	v.SetDefault("archive.publish_table", "")
}

// Load reads configFile, or rawvec.yaml from the working directory when
// configFile is empty, and applies environment overrides. A missing
// default file is not an error.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("rawvec")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &nf) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	if _, err := cfg.Archive.CodecValue(); err != nil {
		return nil, fmt.Errorf("archive.codec: %w", err)
	}
	return cfg, nil
}
