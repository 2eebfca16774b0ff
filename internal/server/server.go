// Package server exposes the session over HTTP: JSON command endpoints
// for remotes, a server-sent-events stream of snapshots for live views,
// and a few informational endpoints. The server never touches session
// state directly; every command goes through the hub's queue.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orgelaudio/orgelsampler/internal/audio"
	"github.com/orgelaudio/orgelsampler/internal/config"
	"github.com/orgelaudio/orgelsampler/internal/hub"
	"github.com/orgelaudio/orgelsampler/internal/play"
	"github.com/orgelaudio/orgelsampler/internal/session"
)

// GenericResponse is the JSON envelope for command endpoints.
type GenericResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Server serves the remote-control API for one session.
type Server struct {
	cfg      *config.Config
	hub      *hub.Hub
	capture  audio.Service
	player   *play.Player
	shutdown context.CancelFunc

	clientSeq atomic.Uint64
}

// New creates the server. shutdown stops the whole process group when
// the /api/shutdown endpoint is hit.
func New(cfg *config.Config, h *hub.Hub, capture audio.Service, player *play.Player, shutdown context.CancelFunc) *Server {
	return &Server{
		cfg:      cfg,
		hub:      h,
		capture:  capture,
		player:   player,
		shutdown: shutdown,
	}
}

// Run serves HTTP until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	s.routes(mux)

	addr := net.JoinHostPort(s.cfg.Server.Host, s.cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: mux}

	slog.Info("Server listening", "addr", addr, "remote_url", s.remoteURL())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/stream", s.handleStream)
	mux.HandleFunc("/api/record", s.command(session.Command{Kind: session.CmdStart}))
	mux.HandleFunc("/api/stop", s.command(session.Command{Kind: session.CmdStop}))
	mux.HandleFunc("/api/next", s.command(session.Command{Kind: session.CmdNext}))
	mux.HandleFunc("/api/prev", s.command(session.Command{Kind: session.CmdPrevious}))
	mux.HandleFunc("/api/redo", s.command(session.Command{Kind: session.CmdRetry}))
	mux.HandleFunc("/api/set-note", s.handleSetNote)
	mux.HandleFunc("/api/new-register", s.handleNewRegister)
	mux.HandleFunc("/api/select-organ", s.handleSelectOrgan)
	mux.HandleFunc("/api/settings", s.handleSettings)
	mux.HandleFunc("/api/devices", s.handleDevices)
	mux.HandleFunc("/api/remote-url", s.handleRemoteURL)
	mux.HandleFunc("/api/preview", s.handlePreview)
	mux.HandleFunc("/api/shutdown", s.handleShutdown)
}

// clientID derives a unique hub client id per request.
func (s *Server) clientID(r *http.Request) string {
	return fmt.Sprintf("%s#%d", r.RemoteAddr, s.clientSeq.Add(1))
}

// command builds a handler that submits a fixed command kind.
func (s *Server) command(cmd session.Command) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		s.submit(w, r, cmd)
	}
}

// submit runs a command through the hub and maps command errors onto
// HTTP statuses. Errors go to the submitting client only; nothing is
// broadcast for a rejected command.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, cmd session.Command) {
	err := s.hub.Submit(r.Context(), s.clientID(r), cmd)
	if err != nil {
		s.sendErrorResponse(w, commandStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, GenericResponse{Success: true, Message: string(cmd.Kind)})
}

func commandStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, session.ErrOutOfRange),
		errors.Is(err, session.ErrInvalidRange),
		errors.Is(err, session.ErrInvalidSettings),
		errors.Is(err, session.ErrNoRegisterSelected):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.hub.Current())
}

// handleStream sends every snapshot version as one SSE event. The
// subscription buffer is bounded; a stalled consumer skips intermediate
// snapshots instead of slowing the sequencer down.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendErrorResponse(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id := s.clientID(r)
	snapshots, cancel := s.hub.Connect(id)
	defer cancel()
	slog.Debug("Stream client connected", "client", id)

	for {
		select {
		case <-r.Context().Done():
			slog.Debug("Stream client disconnected", "client", id)
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			data, err := json.Marshal(snap)
			if err != nil {
				slog.Error("Failed to encode snapshot", "error", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleSetNote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	var req struct {
		MIDI int `json:"midi"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	s.submit(w, r, session.Command{Kind: session.CmdSetNote, Note: req.MIDI})
}

func (s *Server) handleNewRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	var req struct {
		Keyboard  string `json:"keyboard"`
		Name      string `json:"name"`
		Tremulant bool   `json:"tremulant"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	if req.Keyboard == "" || req.Name == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "Keyboard and register name are required")
		return
	}
	s.submit(w, r, session.Command{
		Kind:      session.CmdSelectRegister,
		Keyboard:  req.Keyboard,
		Register:  req.Name,
		Tremulant: req.Tremulant,
	})
}

func (s *Server) handleSelectOrgan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	if req.Name == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "Organ name is required")
		return
	}
	s.submit(w, r, session.Command{Kind: session.CmdSelectOrgan, Organ: req.Name})
}

// handleSettings returns the current settings on GET. On POST the
// payload is a partial update: absent fields keep their current value,
// the merged result is validated as a whole.
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.hub.Current().Settings)
	case http.MethodPost:
		var patch struct {
			SampleRate       *int `json:"sample_rate"`
			BitDepth         *int `json:"bit_depth"`
			Channels         *int `json:"channels"`
			MP3Bitrate       *int `json:"mp3_bitrate"`
			CountdownSeconds *int `json:"countdown_seconds"`
			RecordSeconds    *int `json:"record_seconds"`
			StartNote        *int `json:"start_note"`
			EndNote          *int `json:"end_note"`
		}
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, "Invalid JSON payload")
			return
		}
		merged := s.hub.Current().Settings
		apply := func(dst, src *int) {
			if src != nil {
				*dst = *src
			}
		}
		apply(&merged.SampleRate, patch.SampleRate)
		apply(&merged.BitDepth, patch.BitDepth)
		apply(&merged.Channels, patch.Channels)
		apply(&merged.MP3Bitrate, patch.MP3Bitrate)
		apply(&merged.CountdownSeconds, patch.CountdownSeconds)
		apply(&merged.RecordSeconds, patch.RecordSeconds)
		apply(&merged.StartNote, patch.StartNote)
		apply(&merged.EndNote, patch.EndNote)
		s.submit(w, r, session.Command{Kind: session.CmdUpdateSettings, Settings: &merged})
	default:
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	devices, err := s.capture.ListDevices(r.Context())
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list devices: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"devices": devices})
}

func (s *Server) handleRemoteURL(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": s.remoteURL()})
}

// handlePreview plays the current note's last take on the server
// machine, so the person at the console can check it from the remote.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	snap := s.hub.Current()
	channels := snap.EnabledChannels()
	if len(channels) == 0 || channels[0].Path == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "Nothing recorded yet")
		return
	}
	if err := s.player.Play(channels[0].Path); err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("Playback failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Playing " + channels[0].Path})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	// Stop any running cycle first; stop while idle is fine to ignore.
	if err := s.hub.Submit(r.Context(), s.clientID(r), session.Command{Kind: session.CmdStop}); err != nil &&
		!errors.Is(err, session.ErrIllegalTransition) {
		slog.Warn("Stop before shutdown failed", "error", err)
	}
	writeJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Shutting down"})
	slog.Info("Shutdown requested", "client", r.RemoteAddr)
	go s.shutdown()
}

func (s *Server) remoteURL() string {
	return fmt.Sprintf("http://%s:%s", getLocalIP(), s.cfg.Server.Port)
}

func (s *Server) sendErrorResponse(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, GenericResponse{Success: false, Error: message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// getLocalIP returns the address remotes on the local network should
// use. The UDP connect never sends a packet; it only picks the outbound
// interface.
func getLocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
