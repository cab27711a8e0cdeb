package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/ctrlvar/internal/inference"
)

// Config represents the ctrlvar configuration file
// ($XDG_CONFIG_HOME/ctrlvar/config.yaml). Pointer fields distinguish "not
// set" from zero values.
type Config struct {
	Model    ModelConfig    `yaml:"model"`
	Sampling SamplingConfig `yaml:"sampling"`
	Train    TrainConfig    `yaml:"train"`
	Sweep    SweepConfig    `yaml:"sweep"`

	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	ServerAddress string `yaml:"server_address"`
}

type ModelConfig struct {
	PatchNums  []int   `yaml:"patch_nums"`
	Vocab      *int    `yaml:"vocab"`
	Channels   *int    `yaml:"channels"`
	ImageSize  *int    `yaml:"image_size"`
	NumClasses *int    `yaml:"num_classes"`
	ClassDim   *int    `yaml:"class_dim"`
	TypeDim    *int    `yaml:"type_dim"`
	MultiCond  *bool   `yaml:"multi_cond"`
	Policy     *string `yaml:"policy"`
	Separator  *bool   `yaml:"separator"`
	Seed       *int64  `yaml:"seed"`
}

type SamplingConfig struct {
	Seed     *int64    `yaml:"seed"`
	TopK     *int      `yaml:"top_k"`
	TopP     *float64  `yaml:"top_p"`
	Guidance []float64 `yaml:"guidance"`
}

type TrainConfig struct {
	Steps         *int     `yaml:"steps"`
	Batch         *int     `yaml:"batch"`
	DropRate      *float64 `yaml:"drop_rate"`
	Bidirectional *bool    `yaml:"bidirectional"`
	Supervise     *string  `yaml:"supervise"`
}

type SweepConfig struct {
	Workers  *int    `yaml:"workers"`
	PerClass *int    `yaml:"per_class"`
	Batch    *int    `yaml:"batch"`
	World    *int    `yaml:"world"`
	Rank     *int    `yaml:"rank"`
	Gibbs    *int    `yaml:"gibbs"`
	Type     *string `yaml:"type"`
	PixCond  *string `yaml:"pix_cond"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "ctrlvar", "config.yaml")
}

// LoadConfig reads the config file at path, or at the default location when
// path is empty. A missing default file yields a zero Config; a missing
// explicit file and any parse error are reported.
func LoadConfig(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = configPath()
	}
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// applyModelConfig fills the model flags from the config file when the
// corresponding flag was not set explicitly.
func applyModelConfig(c *cli.Command, cfg ModelConfig) {
	if len(cfg.PatchNums) > 0 && !c.IsSet("patch-nums") {
		patchNums = joinInts(cfg.PatchNums)
	}
	setInt(c, "vocab", cfg.Vocab, &vocab)
	setInt(c, "channels", cfg.Channels, &channels)
	setInt(c, "image-size", cfg.ImageSize, &imageSize)
	setInt(c, "num-classes", cfg.NumClasses, &numClasses)
	setInt(c, "class-dim", cfg.ClassDim, &classDim)
	setInt(c, "type-dim", cfg.TypeDim, &typeDim)
	if cfg.MultiCond != nil && !c.IsSet("multi-cond") {
		multiCond = *cfg.MultiCond
	}
	if cfg.Policy != nil && !c.IsSet("policy") {
		policy = *cfg.Policy
	}
	if cfg.Separator != nil && !c.IsSet("separator") {
		separator = *cfg.Separator
	}
	if cfg.Seed != nil && !c.IsSet("model-seed") {
		modelSeed = *cfg.Seed
	}
}

// genDefaults turns the sampling section into request defaults.
func genDefaults(cfg SamplingConfig) (inference.GenDefaults, error) {
	d := inference.GenDefaults{Seed: cfg.Seed, TopK: cfg.TopK, TopP: cfg.TopP}
	if len(cfg.Guidance) > 0 {
		g, err := guidanceTriple(cfg.Guidance)
		if err != nil {
			return d, err
		}
		d.Guidance = &g
	}
	return d, nil
}

func setInt(c *cli.Command, name string, v *int, dst *int64) {
	if v != nil && !c.IsSet(name) {
		*dst = int64(*v)
	}
}

func setString(c *cli.Command, name string, v *string, dst *string) {
	if v != nil && !c.IsSet(name) {
		*dst = *v
	}
}
