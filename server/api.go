package server

import (
	"net/http"
	"time"

	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"
)

func (s *Server) setupHttpRoutes() error {
	logEveryRequest := false
	router := httprouter.New()

	unlimited := func(method, route string, handle httprouter.Handle) {
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			if logEveryRequest {
				s.Log.Infof("HTTP %v %v", method, r.URL.Path)
			}
			handle(w, r, params)
		})
	}

	// One limiter per endpoint, keyed by client IP
	ratelimited := func(method, route string, handle httprouter.Handle, requestLimit int, windowLength time.Duration) {
		if requestLimit <= 0 {
			www.Handle(s.Log, router, method, route, handle)
			return
		}
		limited := httprate.Limit(requestLimit, windowLength, httprate.WithKeyFuncs(httprate.KeyByIP))
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			limited(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handle(w, r, params)
			})).ServeHTTP(w, r)
		})
	}

	detectRate := s.config.HTTP.DetectRatePerMinute

	unlimited("GET", "/api/health", s.httpHealth)
	unlimited("GET", "/api/constants", s.httpConstants)
	unlimited("GET", "/api/metrics", s.httpMetrics)

	unlimited("POST", "/api/sessions", s.httpSessionStart)
	unlimited("GET", "/api/sessions/:id", s.httpSessionGet)
	unlimited("POST", "/api/sessions/:id/end", s.httpSessionEnd)
	ratelimited("POST", "/api/sessions/:id/detect", s.httpSessionDetect, detectRate, time.Minute)
	ratelimited("GET", "/api/sessions/:id/stream", s.httpSessionStream, detectRate, time.Minute)
	unlimited("POST", "/api/sessions/:id/reports/:reportID/confirm", s.httpReportConfirm)
	unlimited("POST", "/api/sessions/:id/reports/:reportID/dismiss", s.httpReportDismiss)
	unlimited("GET", "/api/sessions/:id/reports/:reportID", s.httpReportGet)
	unlimited("GET", "/api/sessions/:id/reports/:reportID/snapshot", s.httpReportSnapshot)

	s.httpRouter = router
	s.handler = cors.New(cors.Options{
		AllowedOrigins: s.config.HTTP.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}).Handler(router)
	return nil
}

// Browsers send Origin on websocket upgrades, but CORS does not apply to them, so we check it ourselves
func (s *Server) checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.HTTP.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
