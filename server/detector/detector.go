// Package detector runs the full per-frame pipeline: letterbox, inference, decoding, NMS,
// deduplication, and the commit of new reports into the session store.
package detector

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cyclopcam/hazards/pkg/nn"
	"github.com/cyclopcam/hazards/pkg/tracking"
	"github.com/cyclopcam/hazards/server/perfstats"
	"github.com/cyclopcam/hazards/server/session"
	"github.com/cyclopcam/logs"
	"github.com/google/uuid"
)

const snapshotJPEGQuality = 85

type Config struct {
	InputSize        int
	PadValue         uint8
	Detection        nn.DetectionParams
	Classes          []string
	MaxImagePixels   int           // Larger images are rejected before decoding. Zero means no limit.
	Snapshots        bool          // Store an annotated JPEG with every new report
	InferenceTimeout time.Duration // Zero means no timeout
}

type ImageSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DetectResponse is the result of one frame.
// SYNC-DETECT-RESPONSE
type DetectResponse struct {
	Success          bool                `json:"success"`
	Detections       []session.Detection `json:"detections"`
	NewReports       []session.Report    `json:"new_reports"`
	SessionStats     session.Stats       `json:"session_stats"`
	ProcessingTimeMS float64             `json:"processing_time_ms"`
	ImageSize        ImageSize           `json:"image_size"`
}

// Detector is safe for concurrent use. Requests for the same session are serialized
// only while their results are committed to the store.
type Detector struct {
	Log     logs.Log
	config  Config
	backend nn.Inferencer
	tracker *tracking.Tracker
	store   *session.Store
	clock   clock.Clock
}

// Create a new detector. backend may be nil, in which case all requests fail with nn.ErrModelUnavailable.
func NewDetector(log logs.Log, config Config, backend nn.Inferencer, tracker *tracking.Tracker, store *session.Store, clk clock.Clock) *Detector {
	if clk == nil {
		clk = clock.New()
	}
	config.Detection = config.Detection.WithDefaults()
	if config.InputSize == 0 {
		config.InputSize = nn.DefaultInputSize
	}
	if len(config.Classes) == 0 {
		config.Classes = nn.HazardClasses
	}
	return &Detector{
		Log:     log,
		config:  config,
		backend: backend,
		tracker: tracker,
		store:   store,
		clock:   clk,
	}
}

func (d *Detector) Config() Config {
	return d.config
}

// Ready returns nil if the inference backend can accept requests
func (d *Detector) Ready() error {
	if d.backend == nil {
		return fmt.Errorf("%w: no inference backend is configured", nn.ErrModelUnavailable)
	}
	return d.backend.Ready()
}

// Detect runs the pipeline on one encoded image, and commits the results to the session.
// Either everything is committed, or nothing is.
func (d *Detector) Detect(ctx context.Context, sessionID string, imgBytes []byte) (*DetectResponse, error) {
	perfstats.Stats.Requests.Add(1)
	resp, err := d.detect(ctx, sessionID, imgBytes)
	if err != nil {
		perfstats.Stats.Failures.Add(1)
		d.Log.Warnf("Detection failed for session %v: %v", sessionID, err)
	}
	return resp, err
}

func (d *Detector) detect(ctx context.Context, sessionID string, imgBytes []byte) (*DetectResponse, error) {
	start := d.clock.Now()

	// Fail early on a bad session, before paying for inference
	summary, err := d.store.Summary(sessionID)
	if err != nil {
		return nil, err
	}
	if summary.State != session.StateActive {
		return nil, session.ErrSessionEnded
	}

	if err := d.Ready(); err != nil {
		return nil, err
	}

	t := time.Now()
	img, err := nn.DecodeImage(imgBytes, d.config.MaxImagePixels)
	if err != nil {
		return nil, err
	}
	perfstats.UpdateDuration(&perfstats.Stats.DecodeImage_Microseconds, t)

	candidates, err := d.infer(ctx, img)
	if err != nil {
		return nil, err
	}

	t = time.Now()
	final := nn.NonMaxSuppression(candidates, d.config.Detection.NmsIouThreshold)
	now := session.UnixSeconds(d.clock.Now())

	resp := &DetectResponse{
		Success:    true,
		Detections: make([]session.Detection, len(final)),
		NewReports: []session.Report{},
		ImageSize: ImageSize{
			Width:  img.Bounds().Dx(),
			Height: img.Bounds().Dy(),
		},
	}
	for i, det := range final {
		resp.Detections[i] = toDetection(det, now)
	}

	// Snapshots are encoded outside the session lock, for every detection that the tracker
	// could turn into a report. Repeat sightings discard theirs.
	snapshots := d.snapshots(img, final)

	err = d.store.Update(sessionID, func(sess *session.Session) error {
		decisions := d.tracker.Process(sess.Window(), final, now, uuid.NewString)
		for i, dec := range decisions {
			if !dec.Tracked {
				continue
			}
			reportID := dec.ReportID
			resp.Detections[i].IsNew = dec.IsNew
			resp.Detections[i].ReportID = &reportID
			if dec.IsNew {
				r := sess.AddReport(reportID, resp.Detections[i], snapshots[i])
				resp.NewReports = append(resp.NewReports, *r)
			}
		}
		sess.CountDetections(len(final))
		resp.ProcessingTimeMS = float64(d.clock.Since(start).Microseconds()) / 1000
		sess.RecordProcessingTime(resp.ProcessingTimeMS)
		resp.SessionStats = sess.Stats()
		return nil
	})
	if err != nil {
		return nil, err
	}
	perfstats.UpdateDuration(&perfstats.Stats.Postprocess_Microseconds, t)

	d.Log.Infof("Inference metrics: session %v, %vx%v image, %v detections, %v new reports, %.1f ms",
		sessionID, resp.ImageSize.Width, resp.ImageSize.Height, len(resp.Detections), len(resp.NewReports), resp.ProcessingTimeMS)
	return resp, nil
}

// Run the image through the network, and decode the raw output into candidate detections
func (d *Detector) infer(ctx context.Context, img image.Image) ([]nn.ObjectDetection, error) {
	t := time.Now()
	canvas, transform, err := nn.Letterbox(img, d.config.InputSize, d.config.PadValue)
	if err != nil {
		return nil, err
	}
	tensor := nn.ImageToTensor(canvas)
	perfstats.UpdateDuration(&perfstats.Stats.Letterbox_Microseconds, t)

	if d.config.InferenceTimeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.InferenceTimeout)
		defer cancel()
	}

	t = time.Now()
	raw, err := d.backend.Infer(ctx, tensor)
	if err != nil {
		if !errors.Is(err, nn.ErrModelUnavailable) && !errors.Is(err, nn.ErrInferenceFailure) {
			err = fmt.Errorf("%w: %w", nn.ErrInferenceFailure, err)
		}
		return nil, err
	}
	perfstats.UpdateDuration(&perfstats.Stats.Inference_Microseconds, t)

	mc := d.backend.Config()
	if extra := len(raw) % mc.RowSize(); extra != 0 {
		d.Log.Warnf("Inference output has %v values, which is not a multiple of the row size %v. Ignoring the trailing %v values", len(raw), mc.RowSize(), extra)
	}

	return nn.DecodePredictions(raw, nn.DecodeParams{
		NumClasses:    len(mc.Classes),
		ConfThreshold: d.config.Detection.ProbabilityThreshold,
		Transform:     transform,
		Classes:       d.config.Classes,
	}), nil
}

// Returns one snapshot per detection. Entries are nil for detections below the tracker's
// MinConfidence, and for snapshots that could not be created.
// A missing snapshot never fails the request.
func (d *Detector) snapshots(img image.Image, dets []nn.ObjectDetection) [][]byte {
	out := make([][]byte, len(dets))
	if !d.config.Snapshots {
		return out
	}
	minConfidence := d.tracker.Config().MinConfidence
	for i, det := range dets {
		if det.Confidence >= minConfidence {
			out[i] = d.snapshot(img, det)
		}
	}
	return out
}

func (d *Detector) snapshot(img image.Image, det nn.ObjectDetection) []byte {
	b, err := nn.AnnotateJPEG(img, det, snapshotJPEGQuality)
	if err != nil {
		d.Log.Warnf("Failed to create report snapshot: %v", err)
		return nil
	}
	return b
}

func toDetection(det nn.ObjectDetection, timestamp float64) session.Detection {
	c := det.Box.Center()
	return session.Detection{
		BBox:       [4]float32{det.Box.X1, det.Box.Y1, det.Box.X2, det.Box.Y2},
		Confidence: det.Confidence,
		ClassID:    det.Class,
		ClassName:  det.ClassName,
		CenterX:    c.X,
		CenterY:    c.Y,
		Width:      det.Box.Width(),
		Height:     det.Box.Height(),
		Area:       det.Box.Area(),
		Timestamp:  timestamp,
	}
}
