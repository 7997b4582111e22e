package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// AppConfig is everything the CLI reads from defaults, file and environment.
type AppConfig struct {
	Log     LogConfig       `mapstructure:"log"`
	Compute ComputeSettings `mapstructure:"compute"`
	BERT    BERTConfig      `mapstructure:"bert"`
	ViT     ViTConfig       `mapstructure:"vit"`
	Seed    int64           `mapstructure:"seed"`
}

// LogConfig selects the logger's level and encoding.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ComputeSettings is the file/env form of the numeric runtime settings.
type ComputeSettings struct {
	Backend         string `mapstructure:"backend"`
	Kernel          string `mapstructure:"kernel"`
	Parallel        bool   `mapstructure:"parallel"`
	Workers         int    `mapstructure:"workers"`
	MinParallelSize int    `mapstructure:"min_parallel_size"`
	Precision       string `mapstructure:"precision"`
}

// ComputeConfig converts the settings for SetGlobalComputeConfig.
func (s ComputeSettings) ComputeConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           s.Parallel,
		NumWorkers:         s.Workers,
		MinSizeForParallel: s.MinParallelSize,
	}
}

// DefaultAppConfig returns the demo configuration: tiny models, parallel
// backend, full precision.
func DefaultAppConfig() AppConfig {
	compute := DefaultComputeConfig()
	return AppConfig{
		Log: LogConfig{Level: "info", Format: "console"},
		Compute: ComputeSettings{
			Backend:         BackendParallel,
			Kernel:          KernelStandard,
			Parallel:        compute.Parallel,
			Workers:         compute.NumWorkers,
			MinParallelSize: compute.MinSizeForParallel,
			Precision:       PrecisionFull,
		},
		BERT: TinyBERTConfig(),
		ViT:  TinyViTConfig(),
		Seed: 42,
	}
}

// LoadConfig layers defaults, an optional YAML file and MINIBERT_*
// environment variables. An empty path searches for minibert.yaml in the
// working directory and $HOME/.minibert/; not finding one is not an error.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	setDefaults(v, DefaultAppConfig())

	v.SetConfigName("minibert")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.minibert/")

	v.SetEnvPrefix("MINIBERT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers every leaf key so AutomaticEnv can override keys
// that no config file mentions.
func setDefaults(v *viper.Viper, cfg AppConfig) {
	v.SetDefault("seed", cfg.Seed)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)

	v.SetDefault("compute.backend", cfg.Compute.Backend)
	v.SetDefault("compute.kernel", cfg.Compute.Kernel)
	v.SetDefault("compute.parallel", cfg.Compute.Parallel)
	v.SetDefault("compute.workers", cfg.Compute.Workers)
	v.SetDefault("compute.min_parallel_size", cfg.Compute.MinParallelSize)
	v.SetDefault("compute.precision", cfg.Compute.Precision)

	b := cfg.BERT
	v.SetDefault("bert.vocab_size", b.VocabSize)
	v.SetDefault("bert.hidden_size", b.HiddenSize)
	v.SetDefault("bert.num_layers", b.NumLayers)
	v.SetDefault("bert.num_heads", b.NumHeads)
	v.SetDefault("bert.intermediate_size", b.IntermediateSize)
	v.SetDefault("bert.max_position_embeddings", b.MaxPositionEmbeddings)
	v.SetDefault("bert.type_vocab_size", b.TypeVocabSize)
	v.SetDefault("bert.hidden_dropout", b.HiddenDropout)
	v.SetDefault("bert.attention_dropout", b.AttentionDropout)
	v.SetDefault("bert.layer_norm_eps", b.LayerNormEps)
	v.SetDefault("bert.initializer_range", b.InitializerRange)
	v.SetDefault("bert.pad_token_id", b.PadTokenID)
	v.SetDefault("bert.cls_token_id", b.CLSTokenID)
	v.SetDefault("bert.sep_token_id", b.SEPTokenID)

	m := cfg.ViT
	v.SetDefault("vit.image_size", m.ImageSize)
	v.SetDefault("vit.patch_size", m.PatchSize)
	v.SetDefault("vit.num_channels", m.NumChannels)
	v.SetDefault("vit.hidden_size", m.HiddenSize)
	v.SetDefault("vit.num_layers", m.NumLayers)
	v.SetDefault("vit.num_heads", m.NumHeads)
	v.SetDefault("vit.intermediate_size", m.IntermediateSize)
	v.SetDefault("vit.hidden_dropout", m.HiddenDropout)
	v.SetDefault("vit.attention_dropout", m.AttentionDropout)
	v.SetDefault("vit.layer_norm_eps", m.LayerNormEps)
	v.SetDefault("vit.initializer_range", m.InitializerRange)
	v.SetDefault("vit.num_labels", m.NumLabels)
}

// Validate reports the first invalid setting.
func (c *AppConfig) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: invalid log level: %s (must be debug, info, warn, or error)", ErrInvalidConfig, c.Log.Level)
	}

	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("%w: invalid log format: %s (must be json or console)", ErrInvalidConfig, c.Log.Format)
	}

	if _, err := NewBackend(c.Compute.Backend, c.Compute.ComputeConfig()); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if err := (ForwardOptions{Kernel: c.Compute.Kernel}).Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if c.Compute.Precision != PrecisionFull && c.Compute.Precision != PrecisionHalf {
		return fmt.Errorf("%w: invalid precision: %s (must be full or half)", ErrInvalidConfig, c.Compute.Precision)
	}

	if c.Compute.Workers < 0 || c.Compute.MinParallelSize < 0 {
		return fmt.Errorf("%w: workers and min_parallel_size must not be negative", ErrInvalidConfig)
	}

	if err := c.BERT.Validate(); err != nil {
		return fmt.Errorf("bert: %w", err)
	}
	if err := c.ViT.Validate(); err != nil {
		return fmt.Errorf("vit: %w", err)
	}
	return nil
}
