package inference

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyclopcam/hazards/pkg/nn"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func testModelConfig() *nn.ModelConfig {
	return &nn.ModelConfig{
		Architecture: "yolov5",
		Width:        4,
		Height:       4,
		Classes:      nn.HazardClasses,
	}
}

func TestTensorEncoding(t *testing.T) {
	in := []float32{0, 1, -2.5, 3.25e7, 1e-9}
	out, err := DecodeTensor(EncodeTensor(in))
	require.NoError(t, err)
	require.Equal(t, in, out)
	_, err = DecodeTensor([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestRemoteBackend(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})
	mux.HandleFunc("/infer", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		in, err := DecodeTensor(b)
		if err != nil || len(in) != 3*4*4 || r.Header.Get("X-Tensor-Shape") != "1,3,4,4" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write(EncodeTensor([]float32{10, 20, 30, 40, in[0]}))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := NewRemoteBackend(logs.NewTestingLog(t), srv.URL+"/", testModelConfig(), time.Second)
	defer b.Close()
	require.ErrorIs(t, b.Ready(), nn.ErrModelUnavailable)

	ctx := context.Background()
	require.NoError(t, b.CheckHealth(ctx))
	require.NoError(t, b.Ready())

	tensor := make([]float32, 3*4*4)
	tensor[0] = 0.5
	out, err := b.Infer(ctx, tensor)
	require.NoError(t, err)
	require.Equal(t, []float32{10, 20, 30, 40, 0.5}, out)

	// Wrong tensor size is rejected by the backend
	_, err = b.Infer(ctx, []float32{1})
	require.ErrorIs(t, err, nn.ErrInferenceFailure)

	healthy.Store(false)
	require.ErrorIs(t, b.CheckHealth(ctx), nn.ErrModelUnavailable)
	_, err = b.Infer(ctx, tensor)
	require.ErrorIs(t, err, nn.ErrModelUnavailable)
}

func TestRemoteBackendResponseLimit(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/infer", func(w http.ResponseWriter, r *http.Request) {
		w.Write(EncodeTensor([]float32{1, 2, 3, 4, 5}))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := NewRemoteBackend(logs.NewTestingLog(t), srv.URL, testModelConfig(), time.Second)
	defer b.Close()
	require.NoError(t, b.CheckHealth(context.Background()))

	// Exactly at the limit is fine
	b.maxResponseBytes = 20
	out, err := b.Infer(context.Background(), make([]float32, 3*4*4))
	require.NoError(t, err)
	require.Len(t, out, 5)

	// One value over is an error, rather than a silently truncated tensor
	b.maxResponseBytes = 16
	_, err = b.Infer(context.Background(), make([]float32, 3*4*4))
	require.ErrorIs(t, err, nn.ErrInferenceFailure)
	require.ErrorContains(t, err, "larger than 16 bytes")
}

func TestRemoteBackendTimeout(t *testing.T) {
	release := make(chan bool)
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/infer", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	defer close(release)

	b := NewRemoteBackend(logs.NewTestingLog(t), srv.URL, testModelConfig(), 100*time.Millisecond)
	require.NoError(t, b.CheckHealth(context.Background()))
	_, err := b.Infer(context.Background(), make([]float32, 3*4*4))
	require.ErrorIs(t, err, nn.ErrInferenceFailure)
}

func TestFuncBackend(t *testing.T) {
	f := NewFuncBackend(testModelConfig(), func(ctx context.Context, tensor []float32) ([]float32, error) {
		return nil, context.DeadlineExceeded
	})
	require.NoError(t, f.Ready())
	_, err := f.Infer(context.Background(), nil)
	require.ErrorIs(t, err, nn.ErrInferenceFailure)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	f = NewFuncBackend(testModelConfig(), nil)
	require.ErrorIs(t, f.Ready(), nn.ErrModelUnavailable)
}
