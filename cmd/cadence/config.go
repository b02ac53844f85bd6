package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the cadence configuration file
// (~/.config/cadence/config.yaml). All optional fields are pointers so we can
// distinguish "not set" from zero values.
type Config struct {
	// Data defaults
	TrainFile      string `yaml:"train_file"`
	ValidFile      string `yaml:"valid_file"`
	SongsFile      string `yaml:"songs_file"`
	CheckpointPath string `yaml:"checkpoint"`

	// Schedule defaults
	BatchSize     *int64   `yaml:"batch_size"`
	SeqLen        *int64   `yaml:"seq_len"`
	Epochs        *int64   `yaml:"epochs"`
	NoDecayEpochs *int64   `yaml:"no_decay_epochs"`
	LearnRate     *float64 `yaml:"learn_rate"`
	Decay         *float64 `yaml:"decay"`

	// Model defaults
	EmbedSize   *int64   `yaml:"embed_size"`
	HiddenSize  *int64   `yaml:"hidden_size"`
	MetaProj    *int64   `yaml:"meta_proj"`
	Dropout     *float64 `yaml:"dropout"`
	Seed        *int64   `yaml:"seed"`
	ClipRange   *float64 `yaml:"clip_range"`
	MaxGradNorm *float64 `yaml:"max_grad_norm"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "cadence", "config.yaml")
}

// applyTrainConfig applies config file defaults to train command variables
// when the corresponding CLI flag was not explicitly set.
func applyTrainConfig(c *cli.Command, cfg Config, f *trainFlags) {
	if cfg.TrainFile != "" && !c.IsSet("train") {
		f.trainFile = cfg.TrainFile
	}
	if cfg.ValidFile != "" && !c.IsSet("valid") {
		f.validFile = cfg.ValidFile
	}
	if cfg.SongsFile != "" && !c.IsSet("songs") {
		f.songsFile = cfg.SongsFile
	}
	if cfg.CheckpointPath != "" && !c.IsSet("checkpoint") {
		f.checkpoint = cfg.CheckpointPath
	}
	if cfg.BatchSize != nil && !c.IsSet("batch-size") {
		f.batchSize = *cfg.BatchSize
	}
	if cfg.SeqLen != nil && !c.IsSet("seq-len") {
		f.seqLen = *cfg.SeqLen
	}
	if cfg.Epochs != nil && !c.IsSet("epochs") {
		f.epochs = *cfg.Epochs
	}
	if cfg.NoDecayEpochs != nil && !c.IsSet("no-decay-epochs") {
		f.noDecayEpochs = *cfg.NoDecayEpochs
	}
	if cfg.LearnRate != nil && !c.IsSet("learn-rate") {
		f.learnRate = *cfg.LearnRate
	}
	if cfg.Decay != nil && !c.IsSet("decay") {
		f.decay = *cfg.Decay
	}
	if cfg.EmbedSize != nil && !c.IsSet("embed-size") {
		f.embedSize = *cfg.EmbedSize
	}
	if cfg.HiddenSize != nil && !c.IsSet("hidden-size") {
		f.hiddenSize = *cfg.HiddenSize
	}
	if cfg.MetaProj != nil && !c.IsSet("meta-proj") {
		f.metaProj = *cfg.MetaProj
	}
	if cfg.Dropout != nil && !c.IsSet("dropout") {
		f.dropout = *cfg.Dropout
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		f.seed = *cfg.Seed
	}
	if cfg.ClipRange != nil && !c.IsSet("clip-range") {
		f.clipRange = *cfg.ClipRange
	}
	if cfg.MaxGradNorm != nil && !c.IsSet("max-grad-norm") {
		f.maxGradNorm = *cfg.MaxGradNorm
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
