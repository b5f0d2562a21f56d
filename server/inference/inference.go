// Package inference contains the adapters that connect the detection pipeline to a neural network.
// Every adapter implements nn.Inferencer, so the pipeline never needs to know which one it is using.
package inference

import (
	"context"
	"errors"
	"fmt"

	"github.com/cyclopcam/hazards/pkg/nn"
)

// InferFunc runs a network on a preprocessed tensor
type InferFunc func(ctx context.Context, tensor []float32) ([]float32, error)

// FuncBackend adapts an InferFunc into an nn.Inferencer.
// This is used for in-process models, and for tests.
type FuncBackend struct {
	config nn.ModelConfig
	infer  InferFunc
}

func NewFuncBackend(config *nn.ModelConfig, infer InferFunc) *FuncBackend {
	return &FuncBackend{
		config: *config,
		infer:  infer,
	}
}

func (f *FuncBackend) Close() {
}

func (f *FuncBackend) Ready() error {
	if f.infer == nil {
		return nn.ErrModelUnavailable
	}
	return nil
}

func (f *FuncBackend) Config() *nn.ModelConfig {
	return &f.config
}

func (f *FuncBackend) Infer(ctx context.Context, tensor []float32) ([]float32, error) {
	if f.infer == nil {
		return nil, nn.ErrModelUnavailable
	}
	out, err := f.infer(ctx, tensor)
	if err != nil {
		return nil, wrapInferenceError(err)
	}
	return out, nil
}

// Make sure that err is classified as one of our inference errors
func wrapInferenceError(err error) error {
	if errors.Is(err, nn.ErrInferenceFailure) || errors.Is(err, nn.ErrModelUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", nn.ErrInferenceFailure, err)
}
