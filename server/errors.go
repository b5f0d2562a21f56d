package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cyclopcam/hazards/pkg/nn"
	"github.com/cyclopcam/hazards/server/session"
)

var (
	errImageTooLarge = errors.New("image is too large")
	errRateLimited   = errors.New("too many images")
)

// SYNC-API-ERROR
type apiError struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Reason  string `json:"reason"`
}

// Map an error to an HTTP status code, and a stable machine readable reason
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, nn.ErrInvalidImage):
		return http.StatusBadRequest, "invalid_image"
	case errors.Is(err, errImageTooLarge):
		return http.StatusRequestEntityTooLarge, "image_too_large"
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, nn.ErrModelUnavailable):
		return http.StatusServiceUnavailable, "model_unavailable"
	case errors.Is(err, nn.ErrInferenceFailure):
		return http.StatusBadGateway, "inference_failure"
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, session.ErrReportNotFound):
		return http.StatusNotFound, "report_not_found"
	case errors.Is(err, session.ErrSessionEnded):
		return http.StatusConflict, "session_ended"
	case errors.Is(err, session.ErrReportFinalized):
		return http.StatusConflict, "report_finalized"
	}
	return http.StatusInternalServerError, "internal_error"
}

func newAPIError(err error) apiError {
	_, reason := classifyError(err)
	return apiError{
		Success: false,
		Error:   err.Error(),
		Reason:  reason,
	}
}

// sendError sends err as a JSON body, with the status code that matches its classification
func (s *Server) sendError(w http.ResponseWriter, r *http.Request, err error) {
	code, _ := classifyError(err)
	if code == http.StatusInternalServerError {
		s.Log.Errorf("Failed request %v: %v", r.URL.Path, err)
	} else {
		s.Log.Infof("Failed request %v: %v %v", r.URL.Path, code, err)
	}
	b, _ := json.Marshal(newAPIError(err))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(b)
}
