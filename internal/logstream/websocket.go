package logstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/atlas-ctf/atlas/internal/container"
	"github.com/atlas-ctf/atlas/internal/domain"
)

// LogFetcher is the slice of the runtime the handler needs.
type LogFetcher interface {
	FetchLogs(ctx context.Context, containerID string, opts container.LogOptions) (io.ReadCloser, error)
}

// LeaseLookup confirms a container belongs to a lease.
type LeaseLookup interface {
	GetLeaseByContainerID(ctx context.Context, containerID string) (*domain.Lease, error)
}

// Handler streams container logs as binary WebSocket frames.
type Handler struct {
	runtime        LogFetcher
	leases         LeaseLookup
	viewers        *Manager
	allowedOrigins []string
}

// NewHandler creates a new log stream handler.
func NewHandler(runtime LogFetcher, leases LeaseLookup, viewers *Manager, allowedOrigins []string) *Handler {
	return &Handler{
		runtime:        runtime,
		leases:         leases,
		viewers:        viewers,
		allowedOrigins: allowedOrigins,
	}
}

// wsWriter adapts websocket.Conn to io.Writer.
type wsWriter struct {
	conn *websocket.Conn
	ctx  context.Context
}

func (w *wsWriter) Write(p []byte) (int, error) {
	if w.ctx.Err() != nil {
		return 0, w.ctx.Err()
	}
	if err := w.conn.Write(w.ctx, websocket.MessageBinary, p); err != nil {
		if w.ctx.Err() != nil {
			return 0, w.ctx.Err()
		}
		slog.Debug("WebSocket write error", "error", err)
		return 0, err
	}
	return len(p), nil
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
// Query parameters: tail (line count or "all", default 200), timestamps (bool).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	containerID := chi.URLParam(r, "containerID")
	log := slog.With("container_id", containerID, "ip", r.RemoteAddr)

	lease, err := h.leases.GetLeaseByContainerID(r.Context(), containerID)
	if err != nil {
		log.Error("Failed to look up lease for log stream", "error", err)
		writeJSONError(w, http.StatusInternalServerError, string(domain.KindStorage), "could not read lease")
		return
	}
	if lease == nil {
		writeJSONError(w, http.StatusNotFound, string(domain.KindNoActiveLease), "no active container found")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.allowedOrigins,
	})
	if err != nil {
		log.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			log.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	// CloseRead discards client frames and cancels ctx when the client leaves.
	ctx, cancel := context.WithCancel(ws.CloseRead(r.Context()))
	defer cancel()

	id := h.viewers.Register(containerID, cancel)
	defer h.viewers.Unregister(containerID, id)

	opts := container.LogOptions{
		Follow:     true,
		Tail:       tailParam(r),
		Timestamps: r.URL.Query().Get("timestamps") == "true",
	}
	logs, err := h.runtime.FetchLogs(ctx, containerID, opts)
	if err != nil {
		log.Warn("Failed to fetch container logs", "error", err)
		if err := writeJSON(ctx, ws, map[string]string{"error": "logs_unavailable"}); err != nil {
			log.Debug("Failed to send logs_unavailable error", "error", err)
		}
		return
	}
	go func() {
		<-ctx.Done()
		_ = logs.Close()
	}()

	log.Info("Streaming container logs", "tail", opts.Tail)
	_, err = io.Copy(&wsWriter{conn: ws, ctx: ctx}, logs)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
		log.Warn("Container log stream error", "error", err)
	}
	log.Info("Log stream ended")
}

func tailParam(r *http.Request) string {
	tail := r.URL.Query().Get("tail")
	if tail == "all" {
		return tail
	}
	if n, err := strconv.Atoi(tail); err == nil && n >= 0 {
		return tail
	}
	return "200"
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

func writeJSONError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": kind, "message": message})
}
