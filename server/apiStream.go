package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cyclopcam/hazards/pkg/nn"
	"github.com/cyclopcam/hazards/server/session"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"golang.org/x/time/rate"
)

// SYNC-STREAM-EVENT
type streamEventJSON struct {
	Type  string        `json:"type"` // Always "event"
	Event session.Event `json:"event"`
}

// Each binary message from the client is one image, which is answered with the JSON
// detect response. Report status changes and the end of the session are pushed as events.
func (s *Server) httpSessionStream(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := params.ByName("id")
	if _, err := s.store.Summary(id); err != nil {
		s.sendError(w, r, err)
		return
	}

	c, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Errorf("httpSessionStream websocket upgrade failed: %v", err)
		return
	}
	defer c.Close()
	c.SetReadLimit(s.config.HTTP.MaxImageBytes)

	s.Log.Infof("httpSessionStream starting for session %v", id)
	streamer := &sessionStreamer{
		log:           s.Log,
		server:        s,
		sessionID:     id,
		fromWebSocket: make(chan []byte),
		sendQueue:     make(chan []byte, session.WatcherChannelSize),
	}
	if n := s.config.HTTP.DetectRatePerMinute; n > 0 {
		// Each connection gets the per-minute budget of the detect endpoint
		streamer.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), n)
	}
	streamer.run(r.Context(), c)
	s.Log.Infof("httpSessionStream finished for session %v", id)
}

type sessionStreamer struct {
	log           logs.Log
	server        *Server
	sessionID     string
	fromWebSocket chan []byte   // Images received from the client
	sendQueue     chan []byte   // JSON messages to send to the client
	limiter       *rate.Limiter // nil if frames are not rate limited
}

func (s *sessionStreamer) run(ctx context.Context, conn *websocket.Conn) {
	events := s.server.store.AddWatcher(s.sessionID)
	defer s.server.store.RemoveWatcher(s.sessionID, events)

	writerDone := sync.WaitGroup{}
	writerDone.Add(1)
	go func() {
		defer writerDone.Done()
		s.webSocketWriter(conn)
	}()
	go s.webSocketReader(conn)

	for {
		select {
		case img, more := <-s.fromWebSocket:
			if !more {
				close(s.sendQueue)
				writerDone.Wait()
				return
			}
			if s.limiter != nil && !s.limiter.Allow() {
				s.send(newAPIError(errRateLimited))
				continue
			}
			resp, err := s.server.detector.Detect(ctx, s.sessionID, img)
			if err != nil {
				s.send(newAPIError(err))
			} else {
				s.send(resp)
			}
		case ev := <-events:
			// New reports are already part of the detect response
			if ev.Kind != session.EventReportCreated {
				s.send(&streamEventJSON{Type: "event", Event: ev})
			}
		}
	}
}

func (s *sessionStreamer) send(msg any) {
	j, err := json.Marshal(msg)
	if err != nil {
		s.log.Errorf("Failed to marshal websocket message: %v", err)
		return
	}
	// The writer drains sendQueue until it is closed, so this only blocks on a slow client
	s.sendQueue <- j
}

// Read from the websocket and post images to our own channel, so that we can
// run a single loop that handles both images and session events.
func (s *sessionStreamer) webSocketReader(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Infof("webSocketReader conn.ReadMessage error: %v", err)
			}
			break
		}
		if msgType == websocket.BinaryMessage {
			s.fromWebSocket <- data
		} else {
			s.log.Infof("Ignoring text message from websocket of session %v", s.sessionID)
			s.send(newAPIError(nn.ErrInvalidImage))
		}
	}
	close(s.fromWebSocket)
}

// Run a thread that is responsible for writing to the websocket,
// so that a slow client doesn't hold up the detection loop.
func (s *sessionStreamer) webSocketWriter(conn *websocket.Conn) {
	failed := false
	for msg := range s.sendQueue {
		if failed {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			s.log.Infof("Error writing to websocket of session %v: %v", s.sessionID, err)
			failed = true
		}
	}
}
