// Package perfstats is a single place where we record the performance of the stages of
// the detection pipeline, so that it's easy to compare backends and hardware.
package perfstats

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

type PerfStats struct {
	DecodeImage_Microseconds atomic.Uint64 // Compressed image bytes to image.Image
	Letterbox_Microseconds   atomic.Uint64 // Resize, pad, and conversion to tensor
	Inference_Microseconds   atomic.Uint64 // Round trip through the inference backend
	Postprocess_Microseconds atomic.Uint64 // Decode, NMS, tracking, and session commit
	Requests                 atomic.Uint64
	Failures                 atomic.Uint64
}

var Stats = PerfStats{}

// Update a moving average with a new sample
func Update(stat *atomic.Uint64, value int64) {
	vu := uint64(value)
	// We don't bother about strict correctness here, with CompareAndSwap,
	// because this is just sampled stats, and it's OK to miss one or two samples.
	if stat.Load() == 0 {
		stat.Store(vu)
	} else {
		stat.Store((stat.Load()*63 + vu) >> 6)
	}
}

// UpdateDuration adds a sample, measured from 'start' until now
func UpdateDuration(stat *atomic.Uint64, start time.Time) {
	Update(stat, time.Since(start).Microseconds())
}

// Snapshot returns the current averages, in milliseconds
func (s *PerfStats) Snapshot() map[string]float64 {
	return map[string]float64{
		"decode_image_ms": float64(s.DecodeImage_Microseconds.Load()) / 1000,
		"letterbox_ms":    float64(s.Letterbox_Microseconds.Load()) / 1000,
		"inference_ms":    float64(s.Inference_Microseconds.Load()) / 1000,
		"postprocess_ms":  float64(s.Postprocess_Microseconds.Load()) / 1000,
		"requests":        float64(s.Requests.Load()),
		"failures":        float64(s.Failures.Load()),
	}
}

func (s *PerfStats) String() string {
	b := &strings.Builder{}
	fmt.Fprintf(b, "Decode image: %0.2f ms\n", float64(s.DecodeImage_Microseconds.Load())/1000)
	fmt.Fprintf(b, "Letterbox: %0.2f ms\n", float64(s.Letterbox_Microseconds.Load())/1000)
	fmt.Fprintf(b, "Inference: %0.2f ms\n", float64(s.Inference_Microseconds.Load())/1000)
	fmt.Fprintf(b, "Postprocess: %0.2f ms\n", float64(s.Postprocess_Microseconds.Load())/1000)
	fmt.Fprintf(b, "Requests: %v (%v failed)", s.Requests.Load(), s.Failures.Load())
	return b.String()
}
