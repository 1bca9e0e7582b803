package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/voicepin/voicepin/internal/observe"
	"github.com/voicepin/voicepin/internal/pipeline"
	"github.com/voicepin/voicepin/internal/protocol"
)

// handleWS upgrades the connection and runs the device channel until the
// device says goodbye or the connection drops. Auth failures close with 1008
// after the upgrade so the device firmware sees a close code rather than an
// HTTP error it cannot parse.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Warn("websocket accept failed", "error", err)
		return
	}

	if !s.authorized(r) {
		ws.Close(protocol.CloseAuthRequired, "authentication required")
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		ws.Close(protocol.CloseAuthRequired, "session_id required")
		return
	}
	log = log.With("session_id", sessionID)

	sess, resumed, err := s.sessions.Acquire(sessionID)
	if err != nil {
		log.Info("session refused", "error", err)
		ws.Close(protocol.CloseSessionConflict, "another session is active")
		return
	}
	defer s.sessions.Detach(sessionID)

	dir, err := s.files.SessionDir(sessionID)
	if err != nil {
		log.Error("session dir unavailable", "error", err)
		ws.Close(websocket.StatusInternalError, "storage unavailable")
		return
	}

	ctx := r.Context()
	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(ctx, -1)
	log.Info("device connected", "resumed", resumed)

	conn := newWSConn(ws)
	s.attachConn(sessionID, conn)
	defer s.detachConn(sessionID)
	ctl := pipeline.NewController(sess, conn, s.recognizer, s.generator, s.synthesizer, s.streamer, s.sink, s.metrics, dir, pipeline.ControllerConfig{
		SampleRate:          s.cfg.Audio.SampleRate,
		Channels:            1,
		ChunkSizeBytes:      s.cfg.Audio.ChunkSizeBytes,
		MaxRecordingBytes:   int64(s.cfg.Audio.MaxRecordingMB) << 20,
		ImageMaxBytes:       s.cfg.Image.MaxBytes,
		SeqTolerance:        s.cfg.Audio.SeqTolerance,
		MemorySpillBytes:    s.cfg.Audio.MemorySpillKB << 10,
		ChunkArrivalTimeout: s.cfg.Session.ChunkArrivalTimeout(),
	})

	// Either side finishing tears down the other: a goodbye from the
	// dispatch loop must unblock the read loop, and a dropped connection
	// must stop the dispatch loop.
	g, gctx := errgroup.WithContext(ctx)
	wsCtx, cancel := context.WithCancel(gctx)
	defer cancel()
	g.Go(func() error {
		defer cancel()
		return ctl.Run(wsCtx, resumed)
	})
	g.Go(func() error {
		defer cancel()
		return s.readLoop(wsCtx, ws, conn, ctl, log)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Info("device disconnected", "error", err)
		ws.Close(websocket.StatusInternalError, "connection error")
		return
	}

	log.Info("device disconnected")
	ws.Close(websocket.StatusNormalClosure, "goodbye")
}

// readLoop decodes inbound frames and hands them to the controller. A
// malformed text frame gets an error reply and the connection stays up.
func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, conn *wsConn, ctl *pipeline.Controller, log *slog.Logger) error {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				websocket.CloseStatus(err) == websocket.StatusGoingAway ||
				errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		switch typ {
		case websocket.MessageText:
			env, err := protocol.Decode(data)
			if err != nil {
				log.Warn("malformed text frame", "error", err)
				_ = conn.Send(ctx, protocol.Envelope{
					Type:        protocol.TypeError,
					Kind:        "protocol",
					Message:     "malformed frame",
					Recoverable: true,
				})
				continue
			}
			ctl.Deliver(ctx, pipeline.Frame{Text: &env})

		case websocket.MessageBinary:
			ctl.Deliver(ctx, pipeline.Frame{Binary: data})
		}
	}
}

// attachConn publishes the session's live channel for REST handlers.
func (s *Server) attachConn(sessionID string, conn *wsConn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.conns[sessionID] = conn
}

func (s *Server) detachConn(sessionID string) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	delete(s.conns, sessionID)
}

// attachedConn returns the session's live channel, or nil when detached.
func (s *Server) attachedConn(sessionID string) *wsConn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conns[sessionID]
}

// authorized checks the shared device token: query parameter first, then the
// Authorization header as either a Bearer scheme or the raw token.
func (s *Server) authorized(r *http.Request) bool {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Server.WSToken)) == 1
}
