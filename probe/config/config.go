package config

import (
	"fmt"
	"path/filepath"
	"strings"

	internal "github.com/ZanzyTHEbar/subword-probe/probe"
	"github.com/ZanzyTHEbar/subword-probe/probe/dataset"
	"github.com/ZanzyTHEbar/subword-probe/probe/pooling"

	"github.com/spf13/viper"
)

// Config stores all configuration of a probing experiment.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Experiment ExperimentConfig `mapstructure:"experiment"`
	Data       DataConfig       `mapstructure:"data"`
	Model      ModelConfig      `mapstructure:"model"`
	Encoder    EncoderConfig    `mapstructure:"encoder"`
}

// ExperimentConfig stores run-level settings.
type ExperimentConfig struct {
	Dir            string `mapstructure:"dir"`
	Seed           uint64 `mapstructure:"seed"`
	MaxSamples     int    `mapstructure:"max_samples"`
	BatchSize      int    `mapstructure:"batch_size"`
	ShuffleBatches bool   `mapstructure:"shuffle_batches"`
	// ResultsDB is the libSQL file evaluation runs are recorded in; empty
	// disables recording.
	ResultsDB string `mapstructure:"results_db"`
}

// DataConfig stores input files and dataset variant options.
type DataConfig struct {
	TrainFile      string `mapstructure:"train_file"`
	DevFile        string `mapstructure:"dev_file"`
	TestFile       string `mapstructure:"test_file"`
	Variant        string `mapstructure:"variant"`
	ProbeFirstChar bool   `mapstructure:"probe_first_char"`
	MaskPositions  []int  `mapstructure:"mask_positions"`
	BOW            bool   `mapstructure:"bow"`
	MaxSubwordLen  int    `mapstructure:"max_subword_len"`
	// Embedding is the word-vector file of the embedding_only variant.
	Embedding string `mapstructure:"embedding"`
}

// ModelConfig stores pooling settings.
type ModelConfig struct {
	ModelName                 string `mapstructure:"model_name"`
	RandomizeEmbeddingWeights bool   `mapstructure:"randomize_embedding_weights"`
	LayerPooling              string `mapstructure:"layer_pooling"`
	SubwordPooling            string `mapstructure:"subword_pooling"`
	ShiftTarget               int    `mapstructure:"shift_target"`
	SubwordLSTMSize           int    `mapstructure:"subword_lstm_size"`
	SubwordMLPSize            int    `mapstructure:"subword_mlp_size"`
	CacheSize                 int    `mapstructure:"cache_size"`
}

// EncoderConfig selects and sizes the encoder and its tokenizer.
type EncoderConfig struct {
	Provider          string `mapstructure:"provider"`
	ModelPath         string `mapstructure:"model_path"`
	VocabPath         string `mapstructure:"vocab_path"`
	Lowercase         bool   `mapstructure:"lowercase"`
	ExecutionProvider string `mapstructure:"execution_provider"`
	DeviceID          int    `mapstructure:"device_id"`
	HiddenSize        int    `mapstructure:"hidden_size"`
	NumLayers         int    `mapstructure:"num_layers"`
}

var AppConfig Config

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("..")
		v.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetDefault("experiment.dir", internal.DefaultExperimentDir)
	v.SetDefault("experiment.seed", 0)
	v.SetDefault("experiment.max_samples", 0)
	v.SetDefault("experiment.batch_size", internal.DefaultBatchSize)
	v.SetDefault("experiment.shuffle_batches", true)
	v.SetDefault("experiment.results_db", "")

	v.SetDefault("data.variant", dataset.TokenInSequence.String())
	v.SetDefault("data.probe_first_char", false)
	v.SetDefault("data.mask_positions", []int{})
	v.SetDefault("data.bow", false)
	v.SetDefault("data.max_subword_len", internal.MaxSubwordLen)

	v.SetDefault("model.model_name", internal.DefaultModelName)
	v.SetDefault("model.randomize_embedding_weights", false)
	v.SetDefault("model.layer_pooling", internal.DefaultLayerPooling)
	v.SetDefault("model.subword_pooling", internal.DefaultSubwordPooling)
	v.SetDefault("model.shift_target", 0)
	v.SetDefault("model.subword_lstm_size", 0)
	v.SetDefault("model.subword_mlp_size", 50)
	v.SetDefault("model.cache_size", internal.DefaultCacheSize)

	v.SetDefault("encoder.provider", "hash")
	v.SetDefault("encoder.lowercase", false)
	v.SetDefault("encoder.execution_provider", "cpu")
	v.SetDefault("encoder.device_id", 0)
	v.SetDefault("encoder.hidden_size", 768)
	v.SetDefault("encoder.num_layers", 13)

	v.AutomaticEnv()                                   // Read in environment variables that match
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // model.layer_pooling becomes MODEL_LAYER_POOLING

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	AppConfig = cfg
	return &cfg, nil
}

// Kind returns the configured dataset variant.
func (c *Config) Kind() (dataset.Kind, error) {
	return dataset.ParseKind(c.Data.Variant)
}

// Validate rejects settings that would only fail later, after files and
// models are loaded.
func (c *Config) Validate() error {
	kind, err := c.Kind()
	if err != nil {
		return err
	}
	if c.Experiment.BatchSize <= 0 {
		return fmt.Errorf("experiment.batch_size must be positive, got %d", c.Experiment.BatchSize)
	}
	if c.Experiment.MaxSamples < 0 {
		return fmt.Errorf("experiment.max_samples must not be negative, got %d", c.Experiment.MaxSamples)
	}
	if c.Model.CacheSize < 0 {
		return fmt.Errorf("model.cache_size must not be negative, got %d", c.Model.CacheSize)
	}
	if kind == dataset.EmbeddingOnly {
		if c.Data.Embedding == "" {
			return fmt.Errorf("data.embedding is required for %s", kind)
		}
	} else if err := pooling.CheckNames(c.Model.LayerPooling, c.Model.SubwordPooling, c.Model.ShiftTarget); err != nil {
		return err
	}
	switch strings.ToLower(c.Encoder.Provider) {
	case "", "hash", "dev", "onnx":
	default:
		return fmt.Errorf("unknown encoder provider %q", c.Encoder.Provider)
	}
	return nil
}
