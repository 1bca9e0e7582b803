package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/voicepin/voicepin/internal/observe"
	"github.com/voicepin/voicepin/internal/protocol"
	"github.com/voicepin/voicepin/internal/session"
	"github.com/voicepin/voicepin/internal/storage"
	"github.com/voicepin/voicepin/internal/vision"
)

// imageResponse is the POST /image reply body.
type imageResponse struct {
	Type     string `json:"type"`
	Filename string `json:"filename"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Bytes    int    `json:"bytes"`
	Replaced bool   `json:"replaced"`
}

// handleImage accepts a camera upload and stores it as visual context for
// the session's next exchange. A new upload replaces the previous pending
// image.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())

	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, int64(s.cfg.Image.MaxBytes)+1024)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "image exceeds byte limit")
		return
	}

	// The upload state is only entered from idle; uploads racing an active
	// recording or playback skip the transition and just park the image.
	uploading := sess.State() == session.StateIdle && sess.Transition(session.StateCameraUploading) == nil

	processed, err := s.images.Process(data)
	if err != nil {
		if uploading {
			sess.Transition(session.StateIdle)
		}
		switch {
		case errors.Is(err, vision.ErrTooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		case errors.Is(err, vision.ErrUnsupportedFormat):
			writeError(w, http.StatusUnsupportedMediaType, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	img, err := s.storeImage(sessionID, processed)
	if err != nil {
		if uploading {
			sess.Transition(session.StateIdle)
		}
		log.Error("store image failed", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not store image")
		return
	}

	replaced := sess.SetPendingImage(img)
	sess.AddDiskUsage(int64(len(img.Data) + img.ThumbBytes))
	if replaced != nil {
		removeImageFiles(replaced)
		sess.AddDiskUsage(-int64(len(replaced.Data) + replaced.ThumbBytes))
	}
	sess.AddEvent("image_accepted", fmt.Sprintf("%dx%d, %d bytes", processed.Width, processed.Height, len(processed.Data)))
	if uploading {
		if err := sess.Transition(session.StateIdle); err != nil {
			log.Error("idle transition after upload failed", "error", err)
		}
	}

	s.metrics.ImagesAccepted.Add(r.Context(), 1)
	log.Info("image accepted",
		"session_id", sessionID,
		"bytes", len(processed.Data),
		"dimensions", fmt.Sprintf("%dx%d", processed.Width, processed.Height),
		"replaced", replaced != nil)

	filename := filepath.Base(img.Path)

	// The device also hears about the upload on its channel, when attached.
	if conn := s.attachedConn(sessionID); conn != nil {
		err := conn.Send(r.Context(), protocol.Envelope{
			Type:     protocol.TypeImageReceived,
			Filename: filename,
		})
		if err != nil {
			log.Warn("image_received push failed", "error", err)
		}
	}

	writeJSON(w, http.StatusOK, imageResponse{
		Type:     protocol.TypeImageReceived,
		Filename: filename,
		Width:    processed.Width,
		Height:   processed.Height,
		Bytes:    len(processed.Data),
		Replaced: replaced != nil,
	})
}

// storeImage writes the processed image and its thumbnail into the session's
// artifact directory.
func (s *Server) storeImage(sessionID string, p *vision.Processed) (*session.PendingImage, error) {
	dir, err := s.files.SessionDir(sessionID)
	if err != nil {
		return nil, err
	}

	ext := ".jpg"
	if p.MIMEType == "image/png" {
		ext = ".png"
	}
	name := uuid.NewString()
	path := filepath.Join(dir, "image-"+name+ext)
	thumbPath := filepath.Join(dir, "thumb-"+name+".jpg")

	if err := os.WriteFile(path, p.Data, 0o644); err != nil {
		return nil, fmt.Errorf("server: write image: %w", err)
	}
	if err := os.WriteFile(thumbPath, p.Thumbnail, 0o644); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("server: write thumbnail: %w", err)
	}

	return &session.PendingImage{
		Data:       p.Data,
		MIMEType:   p.MIMEType,
		Path:       path,
		ThumbPath:  thumbPath,
		ThumbBytes: len(p.Thumbnail),
		Width:      p.Width,
		Height:     p.Height,
		UploadedAt: time.Now(),
	}, nil
}

func removeImageFiles(img *session.PendingImage) {
	if img.Path != "" {
		os.Remove(img.Path)
	}
	if img.ThumbPath != "" {
		os.Remove(img.ThumbPath)
	}
}

// handleState serves the session snapshot.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}

	writeJSON(w, http.StatusOK, sess.Snapshot())
}

// handleDownload serves a reply artifact for a single-use token. The token
// is the capability; no further auth applies. Expired, consumed, and unknown
// tokens are indistinguishable to the caller.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")

	path, err := s.downloads.Redeem(token)
	if err != nil {
		if !errors.Is(err, storage.ErrUnknownToken) {
			observe.Logger(r.Context()).Error("token redeem failed", "error", err)
		}
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	http.ServeFile(w, r, path)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
