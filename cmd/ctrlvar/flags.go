package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ctrlvar/internal/errdefs"
	"github.com/samcharles93/ctrlvar/internal/inference"
)

var (
	configFile string
	loaded     Config
	runID      string

	patchNums  string
	vocab      int64
	channels   int64
	imageSize  int64
	numClasses int64
	classDim   int64
	typeDim    int64
	multiCond  bool
	policy     string
	separator  bool
	modelSeed  int64

	classes   string
	condType  string
	guidance  string
	topK      int64
	topP      float64
	seed      int64
	maskFirst bool
	pixCond   string
	output    string

	logLevel  string
	logFormat string
	debug     bool
)

func commonModelFlags() []cli.Flag {
	def := inference.DefaultLoader()
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "patch-nums",
			Usage:       "comma-separated side length of every scale",
			Value:       joinInts(def.PatchNums),
			Destination: &patchNums,
		},
		&cli.Int64Flag{
			Name:        "vocab",
			Usage:       "codebook size",
			Value:       int64(def.Vocab),
			Destination: &vocab,
		},
		&cli.Int64Flag{
			Name:        "channels",
			Usage:       "image channels",
			Value:       int64(def.Channels),
			Destination: &channels,
		},
		&cli.Int64Flag{
			Name:        "image-size",
			Usage:       "side length of one decoded image",
			Value:       int64(def.ImageSize),
			Destination: &imageSize,
		},
		&cli.Int64Flag{
			Name:        "num-classes",
			Usage:       "number of class labels",
			Value:       int64(def.NumClasses),
			Destination: &numClasses,
		},
		&cli.Int64Flag{
			Name:        "class-dim",
			Usage:       "class embedding width",
			Value:       int64(def.ClassDim),
			Destination: &classDim,
		},
		&cli.Int64Flag{
			Name:        "type-dim",
			Usage:       "condition type embedding width",
			Value:       int64(def.TypeDim),
			Destination: &typeDim,
		},
		&cli.BoolFlag{
			Name:        "multi-cond",
			Usage:       "add a condition type embedding to the class embedding",
			Value:       def.MultiCond,
			Destination: &multiCond,
		},
		&cli.StringFlag{
			Name:        "policy",
			Usage:       "stream merge policy (interleave_append, replace)",
			Value:       def.Policy,
			Destination: &policy,
		},
		&cli.BoolFlag{
			Name:        "separator",
			Usage:       "insert separator tokens between streams",
			Destination: &separator,
		},
		&cli.Int64Flag{
			Name:        "model-seed",
			Usage:       "seed of the toy model tables",
			Value:       def.Seed,
			Destination: &modelSeed,
		},
	}
}

func samplingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "classes",
			Aliases:     []string{"c"},
			Usage:       "comma-separated class id per sample",
			Value:       "0",
			Destination: &classes,
		},
		&cli.StringFlag{
			Name:        "type",
			Aliases:     []string{"t"},
			Usage:       "condition type (mask, canny, depth, normal, none)",
			Value:       "mask",
			Destination: &condType,
		},
		&cli.StringFlag{
			Name:        "guidance",
			Aliases:     []string{"g"},
			Usage:       "guidance scale, one value or control,target,single",
			Destination: &guidance,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Usage:       "top-k sampling (1 is greedy)",
			Destination: &topK,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Usage:       "top-p nucleus sampling",
			Destination: &topP,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "sampling seed",
			Destination: &seed,
		},
		&cli.BoolFlag{
			Name:        "mask-first",
			Usage:       "decode the control stream first at every scale",
			Value:       true,
			Destination: &maskFirst,
		},
		&cli.StringFlag{
			Name:        "pix-cond",
			Usage:       "teacher-force one stream from synthetic class images (none, control, target)",
			Value:       "none",
			Destination: &pixCond,
		},
		&cli.StringFlag{
			Name:        "output",
			Aliases:     []string{"o"},
			Usage:       "write the report to this file instead of stdout",
			Destination: &output,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (auto, pretty, json, text)",
			Value:       "auto",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "shorthand for --log-level debug",
			Destination: &debug,
		},
	}
}

// loaderFromFlags builds the model geometry after applying the config file.
func loaderFromFlags(cmd *cli.Command) (inference.Loader, error) {
	applyModelConfig(cmd, loaded.Model)
	pn, err := parseInts(patchNums)
	if err != nil {
		return inference.Loader{}, fmt.Errorf("--patch-nums: %w", err)
	}
	return inference.Loader{
		PatchNums:  pn,
		Vocab:      int(vocab),
		Channels:   int(channels),
		ImageSize:  int(imageSize),
		NumClasses: int(numClasses),
		ClassDim:   int(classDim),
		TypeDim:    int(typeDim),
		MultiCond:  multiCond,
		Policy:     policy,
		Separator:  separator,
		Seed:       modelSeed,
	}, nil
}

// requestOptions returns the sampling overrides the user set explicitly.
func requestOptions(cmd *cli.Command) (inference.RequestOptions, error) {
	var opts inference.RequestOptions
	if cmd.IsSet("seed") {
		v := seed
		opts.Seed = &v
	}
	if cmd.IsSet("top-k") {
		v := int(topK)
		opts.TopK = &v
	}
	if cmd.IsSet("top-p") {
		v := topP
		opts.TopP = &v
	}
	if cmd.IsSet("guidance") {
		vals, err := parseFloats(guidance)
		if err != nil {
			return opts, fmt.Errorf("--guidance: %w", err)
		}
		g, err := guidanceTriple(vals)
		if err != nil {
			return opts, err
		}
		opts.Guidance = &g
	}
	v := maskFirst
	opts.MaskFirst = &v
	return opts, nil
}

// guidanceTriple broadcasts a single value to all three phases.
func guidanceTriple(vals []float64) ([3]float64, error) {
	switch len(vals) {
	case 1:
		return [3]float64{vals[0], vals[0], vals[0]}, nil
	case 3:
		return [3]float64{vals[0], vals[1], vals[2]}, nil
	default:
		return [3]float64{}, errdefs.Configf("guidance needs 1 or 3 values, got %d", len(vals))
	}
}

func parseInts(s string) ([]int, error) {
	var out []int
	for field := range strings.SplitSeq(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		v, err := strconv.Atoi(field)
		if err != nil {
			return nil, errdefs.Configf("invalid integer %q", field)
		}
		out = append(out, v)
	}
	return out, nil
}

func parseFloats(s string) ([]float64, error) {
	var out []float64
	for field := range strings.SplitSeq(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, errdefs.Configf("invalid number %q", field)
		}
		out = append(out, v)
	}
	return out, nil
}

func joinInts(vals []int) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}
