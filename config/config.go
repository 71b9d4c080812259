// Package config assembles server settings. Flags win over environment
// variables, which win over an optional YAML file, which wins over defaults.
// A .env file only fills in variables the environment does not already set.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Listen   string `mapstructure:"listen"`
	LogLevel string `mapstructure:"loglevel"`
	Storage  struct {
		Type string `mapstructure:"type"`
		Path string `mapstructure:"path"`
		DSN  string `mapstructure:"dsn"`
	} `mapstructure:"storage"`
	S3 struct {
		Bucket string `mapstructure:"bucket"`
	} `mapstructure:"s3"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	CORS struct {
		// Origins lists browser origins allowed to call the API and open
		// sockets. "*" allows any origin.
		Origins []string `mapstructure:"origins"`
	} `mapstructure:"cors"`
	Sync struct {
		PartialPolicy string        `mapstructure:"partial_policy"`
		BroadcastMode string        `mapstructure:"broadcast_mode"`
		MaxRetries    int           `mapstructure:"max_retries"`
		OpTimeout     time.Duration `mapstructure:"op_timeout"`
	} `mapstructure:"sync"`
}

// Environment names kept from earlier deployments.
var legacyEnv = map[string]string{
	"storage.type": "STORAGE_TYPE",
	"storage.path": "LOCAL_STORAGE_PATH",
	"storage.dsn":  "DATA_SOURCE_NAME",
	"s3.bucket":    "S3_BUCKET_NAME",
	"loglevel":     "LOG_LEVEL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":3002")
	v.SetDefault("loglevel", "info")
	v.SetDefault("storage.type", "memory")
	v.SetDefault("storage.path", "./data")
	v.SetDefault("kafka.topic", "doc-patches")
	v.SetDefault("cors.origins", []string{"*"})
	v.SetDefault("sync.partial_policy", "accept")
	v.SetDefault("sync.broadcast_mode", "patch")
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.op_timeout", 10*time.Second)
}

// Load parses args (without the program name) and returns the merged config.
func Load(args []string) (*Config, error) {
	// A missing .env is normal outside development.
	if err := godotenv.Load(); err == nil {
		logrus.Debug("Loaded .env file")
	}

	v := viper.New()
	setDefaults(v)

	fs := pflag.NewFlagSet("collab-docs", pflag.ContinueOnError)
	fs.String("listen", ":3002", "host:port to listen on")
	fs.String("loglevel", "info", "log level (debug, info, warn, error)")
	fs.String("config", "", "optional YAML config file")
	fs.String("storage-type", "memory", "document store: memory, filesystem, sqlite, postgres, mysql, bolt, s3")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	for _, name := range []string{"listen", "loglevel"} {
		if err := v.BindPFlag(name, fs.Lookup(name)); err != nil {
			return nil, err
		}
	}
	if err := v.BindPFlag("storage.type", fs.Lookup("storage-type")); err != nil {
		return nil, err
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, err
		}
	}
	// Comma separated lists arrive as a single string from the environment.
	if err := v.BindEnv("kafka.brokers", "KAFKA_BROKERS"); err != nil {
		return nil, err
	}
	if err := v.BindEnv("cors.origins", "CORS_ORIGINS"); err != nil {
		return nil, err
	}

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)
	cfg.CORS.Origins = splitList(cfg.CORS.Origins)
	if len(cfg.CORS.Origins) == 0 {
		cfg.CORS.Origins = []string{"*"}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) validate() error {
	switch c.Sync.PartialPolicy {
	case "accept", "reject":
	default:
		return fmt.Errorf("sync.partial_policy must be accept or reject, got %q", c.Sync.PartialPolicy)
	}
	switch c.Sync.BroadcastMode {
	case "patch", "content":
	default:
		return fmt.Errorf("sync.broadcast_mode must be patch or content, got %q", c.Sync.BroadcastMode)
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must not be negative")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("loglevel: %w", err)
	}
	return nil
}
