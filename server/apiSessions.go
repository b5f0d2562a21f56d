package server

import (
	"net/http"

	"github.com/cyclopcam/hazards/server/session"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

// SYNC-SESSION-RESPONSE
type sessionResponse struct {
	Success bool `json:"success"`
	session.Summary
}

// SYNC-REPORT-RESPONSE
type reportResponse struct {
	Success bool           `json:"success"`
	Report  session.Report `json:"report"`
}

func (s *Server) httpSessionStart(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	summary := s.store.Start()
	s.Log.Infof("Started session %v", summary.SessionID)
	www.SendJSON(w, &sessionResponse{Success: true, Summary: summary})
}

func (s *Server) httpSessionGet(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	summary, err := s.store.Summary(params.ByName("id"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	www.SendJSON(w, &sessionResponse{Success: true, Summary: summary})
}

func (s *Server) httpSessionEnd(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	summary, err := s.store.End(params.ByName("id"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.Log.Infof("Ended session %v: %v detections, %v unique hazards", summary.SessionID, summary.DetectionCount, summary.UniqueHazardCount)
	www.SendJSON(w, &sessionResponse{Success: true, Summary: summary})
}

func (s *Server) httpSessionDetect(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	img, err := s.readImage(w, r)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	resp, err := s.detector.Detect(r.Context(), params.ByName("id"), img)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	www.SendJSON(w, resp)
}

func (s *Server) httpReportGet(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	report, err := s.store.Report(params.ByName("id"), params.ByName("reportID"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	www.SendJSON(w, &reportResponse{Success: true, Report: report})
}

func (s *Server) httpReportConfirm(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	report, err := s.store.Confirm(params.ByName("id"), params.ByName("reportID"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	www.SendJSON(w, &reportResponse{Success: true, Report: report})
}

func (s *Server) httpReportDismiss(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	report, err := s.store.Dismiss(params.ByName("id"), params.ByName("reportID"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	www.SendJSON(w, &reportResponse{Success: true, Report: report})
}

func (s *Server) httpReportSnapshot(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	report, err := s.store.Report(params.ByName("id"), params.ByName("reportID"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	if len(report.ImageSnapshot) == 0 {
		http.Error(w, "Report has no snapshot", http.StatusNotFound)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(report.ImageSnapshot)
}
