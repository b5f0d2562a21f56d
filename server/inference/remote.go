package inference

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cyclopcam/hazards/pkg/nn"
	"github.com/cyclopcam/logs"
)

// Default upper limit on the size of a prediction tensor that we'll accept from a backend
const defaultMaxResponseBytes = 256 * 1024 * 1024

// RemoteBackend runs inference on a separate HTTP service.
//
// POST {url}/infer takes the input tensor as little-endian float32 values (CHW, RGB, [0,1]),
// with the shape in the X-Tensor-Shape header, and returns the raw prediction rows
// as little-endian float32 values.
//
// GET {url}/health must return 200 when the model is loaded.
type RemoteBackend struct {
	Log    logs.Log
	url    string
	client *http.Client
	config nn.ModelConfig

	maxResponseBytes int64 // Larger responses fail with nn.ErrInferenceFailure

	healthLock    sync.Mutex
	healthErr     error // Result of the most recent health check. Nil means healthy.
	healthChecked bool  // False until the first CheckHealth
}

// Create a new remote backend.
// The backend is considered unavailable until the first successful health check.
func NewRemoteBackend(log logs.Log, url string, config *nn.ModelConfig, timeout time.Duration) *RemoteBackend {
	return &RemoteBackend{
		Log: log,
		url: strings.TrimSuffix(url, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
		config:           *config,
		maxResponseBytes: defaultMaxResponseBytes,
		healthErr:        fmt.Errorf("%w: health has not been checked yet", nn.ErrModelUnavailable),
	}
}

func (r *RemoteBackend) Close() {
	r.client.CloseIdleConnections()
}

func (r *RemoteBackend) Config() *nn.ModelConfig {
	return &r.config
}

// Ready returns the result of the most recent health check
func (r *RemoteBackend) Ready() error {
	r.healthLock.Lock()
	defer r.healthLock.Unlock()
	return r.healthErr
}

// CheckHealth queries the backend's health endpoint, and caches the result for Ready().
// The first result, and every change after that, is logged.
func (r *RemoteBackend) CheckHealth(ctx context.Context) error {
	err := r.checkHealth(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %w", nn.ErrModelUnavailable, err)
	}

	r.healthLock.Lock()
	changed := !r.healthChecked || (r.healthErr == nil) != (err == nil)
	r.healthErr = err
	r.healthChecked = true
	r.healthLock.Unlock()

	if changed {
		if err != nil {
			r.Log.Warnf("Inference backend %v is unhealthy: %v", r.url, err)
		} else {
			r.Log.Infof("Inference backend %v is healthy", r.url)
		}
	}
	return err
}

func (r *RemoteBackend) checkHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", r.url+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %v", resp.Status)
	}
	return nil
}

func (r *RemoteBackend) Infer(ctx context.Context, tensor []float32) ([]float32, error) {
	if err := r.Ready(); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", r.url+"/infer", bytes.NewReader(EncodeTensor(tensor)))
	if err != nil {
		return nil, wrapInferenceError(err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Tensor-Shape", fmt.Sprintf("1,3,%v,%v", r.config.Height, r.config.Width))
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, wrapInferenceError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusServiceUnavailable {
		return nil, fmt.Errorf("%w: backend returned %v", nn.ErrModelUnavailable, resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: backend returned %v (%v)", nn.ErrInferenceFailure, resp.Status, string(msg))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxResponseBytes+1))
	if err != nil {
		return nil, wrapInferenceError(err)
	}
	if int64(len(body)) > r.maxResponseBytes {
		return nil, fmt.Errorf("%w: backend response is larger than %v bytes", nn.ErrInferenceFailure, r.maxResponseBytes)
	}
	out, err := DecodeTensor(body)
	if err != nil {
		return nil, wrapInferenceError(err)
	}
	return out, nil
}

// EncodeTensor serializes a tensor as little-endian float32
func EncodeTensor(tensor []float32) []byte {
	b := make([]byte, len(tensor)*4)
	for i, v := range tensor {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

// DecodeTensor parses little-endian float32 values
func DecodeTensor(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("tensor length %v is not a multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}
