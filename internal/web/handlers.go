package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/andresmejia3/lineage/internal/annotate"
	"github.com/andresmejia3/lineage/internal/directory"
	"github.com/andresmejia3/lineage/internal/recognition"
	"github.com/go-chi/chi/v5"
)

// Handler exposes one recognition session over HTTP.
type Handler struct {
	ctx     context.Context
	session *recognition.Session
	people  directory.Source
	log     *slog.Logger
}

// NewHandler serves session. ctx bounds the background work started by Open.
func NewHandler(ctx context.Context, session *recognition.Session, people directory.Source) *Handler {
	return &Handler{
		ctx:     ctx,
		session: session,
		people:  people,
		log:     slog.With("component", "web", "session", session.ID()),
	}
}

// SessionResponse is the snapshot plus the booleans a page renders from.
type SessionResponse struct {
	recognition.Snapshot
	Flags recognition.Flags `json:"flags"`
}

func newSessionResponse(sn recognition.Snapshot) SessionResponse {
	return SessionResponse{Snapshot: sn, Flags: sn.Flags()}
}

// respondJSON encodes before writing the header so an unencodable value
// becomes a 500 instead of an empty 200.
func respondJSON(w http.ResponseWriter, status int, data any) {
	var body bytes.Buffer
	if data != nil {
		if err := json.NewEncoder(&body).Encode(data); err != nil {
			slog.Error("Failed to encode response", "component", "web", "error", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			io.WriteString(w, `{"error":"failed to encode response"}`+"\n")
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body.Bytes())
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// HealthCheck handles the health check endpoint.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Get returns the current snapshot.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, newSessionResponse(h.session.Snapshot()))
}

// Open takes a directory snapshot and opens the session in the background.
// Progress is followed through Events.
func (h *Handler) Open(w http.ResponseWriter, r *http.Request) {
	people, err := h.people.People(r.Context())
	if err != nil {
		h.log.Error("Failed to read directory", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to read directory")
		return
	}
	go func() {
		if err := h.session.Open(h.ctx, people); err != nil {
			h.log.Warn("Open did not reach the camera", "error", err)
		}
	}()
	respondJSON(w, http.StatusAccepted, newSessionResponse(h.session.Snapshot()))
}

// Close tears the view down.
func (h *Handler) Close(w http.ResponseWriter, r *http.Request) {
	h.session.Close()
	respondJSON(w, http.StatusOK, newSessionResponse(h.session.Snapshot()))
}

// action runs a blocking transition. Failures end in a state carrying the
// error, so they are reported through the snapshot.
func (h *Handler) action(name string, fn func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(r.Context())
		if errors.Is(err, recognition.ErrSessionClosed) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		if err != nil {
			h.log.Warn("Action failed", "action", name, "error", err)
		}
		respondJSON(w, http.StatusOK, newSessionResponse(h.session.Snapshot()))
	}
}

// Still serves the held capture with its annotations.
func (h *Handler) Still(w http.ResponseWriter, r *http.Request) {
	img, ok := h.session.Still()
	if !ok {
		respondError(w, http.StatusNotFound, "no capture held")
		return
	}
	var buf bytes.Buffer
	if err := annotate.EncodeJPEG(&buf, img); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to encode still")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(buf.Bytes())
}

// Person resolves a result row to its directory entry.
func (h *Handler) Person(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid result index")
		return
	}
	p, err := h.session.Select(index)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// Events streams snapshots as Server-Sent Events until the client leaves.
// Slow clients skip intermediate snapshots and always get the latest one.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	updates := make(chan recognition.Snapshot, 1)
	cancel := h.session.Subscribe(func(sn recognition.Snapshot) {
		// Deliveries are serialized, so after the drain there is room.
		select {
		case <-updates:
		default:
		}
		updates <- sn
	})
	defer cancel()

	if err := sendSSEEvent(w, flusher, "snapshot", newSessionResponse(h.session.Snapshot())); err != nil {
		h.log.Error("Failed to send snapshot", "error", err)
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.ctx.Done():
			return
		case sn := <-updates:
			if err := sendSSEEvent(w, flusher, "snapshot", newSessionResponse(sn)); err != nil {
				h.log.Error("Failed to send snapshot", "error", err)
				return
			}
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, _ = io.WriteString(w, "event: "+eventType+"\n")
	_, _ = io.WriteString(w, "data: ")
	_, _ = w.Write(jsonData)
	_, _ = io.WriteString(w, "\n\n")
	flusher.Flush()
	return nil
}
