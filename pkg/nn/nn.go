package nn

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
)

// Package nn is the Neural Network interface layer.
// The network itself is opaque: an Inferencer maps a letterboxed input tensor to a raw
// prediction tensor, and everything on either side of that call lives here.

const DefaultProbabilityThreshold = 0.5
const DefaultNmsIouThreshold = 0.45
const DefaultInputSize = 640
const DefaultPadValue = 114

var (
	ErrInvalidImage     = errors.New("invalid image")
	ErrModelUnavailable = errors.New("model unavailable")
	ErrInferenceFailure = errors.New("inference failed")
)

// NN object detection parameters
type DetectionParams struct {
	ProbabilityThreshold float32 // Value between 0 and 1. Lower values will find more objects. Zero value will use the default.
	NmsIouThreshold      float32 // Value between 0 and 1. Lower values will merge more objects together into one. Zero value will use the default.
}

// Create a default DetectionParams object
func NewDetectionParams() *DetectionParams {
	return &DetectionParams{
		ProbabilityThreshold: DefaultProbabilityThreshold,
		NmsIouThreshold:      DefaultNmsIouThreshold,
	}
}

// Return a copy of p with zero values replaced by the defaults
func (p DetectionParams) WithDefaults() DetectionParams {
	if p.ProbabilityThreshold == 0 {
		p.ProbabilityThreshold = DefaultProbabilityThreshold
	}
	if p.NmsIouThreshold == 0 {
		p.NmsIouThreshold = DefaultNmsIouThreshold
	}
	return p
}

// Inferencer is the narrow interface to an inference backend.
// The input tensor is CHW float32 RGB in [0,1], of size 3 x Config().Height x Config().Width.
// The output is a flat list of rows, each laid out as [cx, cy, w, h, objectness, class_0 .. class_{K-1}],
// in model-input pixel coordinates.
type Inferencer interface {
	// Close releases any resources held by the backend
	Close()

	// Ready returns nil if the backend can accept Infer calls
	Ready() error

	// Infer runs the network on one preprocessed tensor
	Infer(ctx context.Context, tensor []float32) ([]float32, error)

	// Model Config.
	// Callers assume that ModelConfig will remain constant, so don't change it
	// once the backend has been created.
	Config() *ModelConfig
}

// ModelConfig is saved in a JSON file along with the weights of the NN model
type ModelConfig struct {
	Architecture string   `json:"architecture"` // eg "yolov5"
	Width        int      `json:"width"`        // eg 640
	Height       int      `json:"height"`       // eg 640
	Classes      []string `json:"classes"`      // eg ["Alligator Crack", "Block Crack", ...]
}

// Number of values in each row of the raw prediction tensor
func (c *ModelConfig) RowSize() int {
	return 5 + len(c.Classes)
}

// Load model config from a JSON file
func LoadModelConfig(filename string) (*ModelConfig, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	config := &ModelConfig{}
	err = json.Unmarshal(b, config)
	if err != nil {
		return nil, err
	}
	return config, nil
}

// Load a text file with class names on each line
func LoadClassFile(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	classes := []string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			classes = append(classes, line)
		}
	}
	return classes, scanner.Err()
}
