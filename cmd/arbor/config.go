package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aretw0/arbor"
	"github.com/aretw0/arbor/internal/logging"
	"github.com/aretw0/arbor/pkg/adapters/file"
	"github.com/aretw0/arbor/pkg/adapters/memory"
	"github.com/aretw0/arbor/pkg/adapters/openai"
	redisstore "github.com/aretw0/arbor/pkg/adapters/redis"
	"github.com/aretw0/arbor/pkg/observability"
	"github.com/aretw0/arbor/pkg/persistence/middleware"
	"github.com/aretw0/arbor/pkg/ports"
)

// cliConfig is the YAML configuration consumed by every command.
type cliConfig struct {
	Namespace string `yaml:"namespace"`

	Store struct {
		Type  string `yaml:"type"` // memory, redis, file
		Redis struct {
			Address  string `yaml:"address"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
		} `yaml:"redis"`
		File struct {
			Dir string `yaml:"dir"`
		} `yaml:"file"`
	} `yaml:"store"`

	Model struct {
		Name      string `yaml:"name"`
		APIKeyEnv string `yaml:"api_key_env"`
	} `yaml:"model"`

	Security struct {
		// EncryptionKeyEnv names an env var holding a base64 32-byte key;
		// when set, checkpoints are encrypted at rest.
		EncryptionKeyEnv string   `yaml:"encryption_key_env"`
		PIIPatterns      []string `yaml:"pii_patterns"`
	} `yaml:"security"`

	BundleDir   string `yaml:"bundle_dir"`
	ServersFile string `yaml:"servers_file"`

	SystemPrompt      string `yaml:"system_prompt"`
	Classifier        string `yaml:"classifier"` // model (default) or keyword
	MaxToolIterations int    `yaml:"max_tool_iterations"`
	CheckpointPolicy  string `yaml:"checkpoint_policy"` // per_step (default) or per_turn
	NoWait            bool   `yaml:"no_wait"`
	IdleTTL           string `yaml:"idle_ttl"` // Go duration, e.g. "30m"
}

func loadCLIConfig(path string) (*cliConfig, error) {
	cfg := &cliConfig{}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

func newLogger(cmd *cobra.Command) (*slog.Logger, error) {
	levelStr, _ := cmd.Flags().GetString("log-level")
	level, err := parseLevel(levelStr)
	if err != nil {
		return nil, err
	}
	return logging.New(level), nil
}

// buildAgent assembles the engine from the config file plus environment.
func buildAgent(ctx context.Context, cmd *cobra.Command, logger *slog.Logger) (*arbor.Agent, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := loadCLIConfig(cfgPath)
	if err != nil {
		return nil, err
	}

	opts := []arbor.Option{arbor.WithLogger(logger)}

	var store ports.CheckpointStore
	switch cfg.Store.Type {
	case "", "memory":
		// Single process, no durability across restarts.
		store = memory.NewStore()
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Store.Redis.Address,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		store = redisstore.NewFromClient(client)
		opts = append(opts, arbor.WithLocker(redisstore.NewLocker(client, "arbor:lock:")))
	case "file":
		dir := cfg.Store.File.Dir
		if dir == "" {
			dir = ".arbor"
		}
		store = file.NewStore(dir)
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Store.Type)
	}

	var wrappers []middleware.Middleware
	if len(cfg.Security.PIIPatterns) > 0 {
		wrappers = append(wrappers, middleware.NewPIIMiddleware(cfg.Security.PIIPatterns))
	}
	if cfg.Security.EncryptionKeyEnv != "" {
		rawKey, err := base64.StdEncoding.DecodeString(os.Getenv(cfg.Security.EncryptionKeyEnv))
		if err != nil {
			return nil, fmt.Errorf("invalid key in $%s: %w", cfg.Security.EncryptionKeyEnv, err)
		}
		if len(rawKey) != 32 {
			return nil, fmt.Errorf("key in $%s must decode to 32 bytes", cfg.Security.EncryptionKeyEnv)
		}
		wrappers = append(wrappers, middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: rawKey}))
	}
	opts = append(opts, arbor.WithStore(middleware.Chain(store, wrappers...)))

	if cfg.Namespace != "" {
		opts = append(opts, arbor.WithNamespace(cfg.Namespace))
	}
	if cfg.BundleDir != "" {
		opts = append(opts, arbor.WithBundleDir(cfg.BundleDir))
	}
	if cfg.ServersFile != "" {
		opts = append(opts, arbor.WithServerConfig(cfg.ServersFile))
	}
	if cfg.SystemPrompt != "" {
		opts = append(opts, arbor.WithSystemPrompt(cfg.SystemPrompt))
	}
	if cfg.Classifier == "keyword" {
		opts = append(opts, arbor.WithIntentClassifier(arbor.KeywordClassifier()))
	}
	if cfg.MaxToolIterations > 0 {
		opts = append(opts, arbor.WithMaxToolIterations(cfg.MaxToolIterations))
	}
	if cfg.CheckpointPolicy != "" {
		opts = append(opts, arbor.WithCheckpointPolicy(arbor.CheckpointPolicy(cfg.CheckpointPolicy)))
	}
	if cfg.NoWait {
		opts = append(opts, arbor.WithNoWait())
	}
	if cfg.IdleTTL != "" {
		ttl, err := time.ParseDuration(cfg.IdleTTL)
		if err != nil {
			return nil, fmt.Errorf("invalid idle_ttl: %w", err)
		}
		opts = append(opts, arbor.WithIdleTTL(ttl))
	}

	metrics := observability.NewMetrics(nil)
	opts = append(opts, arbor.WithLifecycleHooks(
		observability.Merge(metrics.Hooks(), observability.LoggingHooks(logger)),
	))

	keyEnv := cfg.Model.APIKeyEnv
	if keyEnv == "" {
		keyEnv = "OPENAI_API_KEY"
	}
	apiKey := os.Getenv(keyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("no API key found in $%s", keyEnv)
	}
	model := openai.New(apiKey, openai.WithModel(cfg.Model.Name))

	return arbor.New(ctx, model, opts...)
}
