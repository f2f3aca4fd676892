// Package handlers implements the HTTP handlers of the dialogue plane.
// They are a thin controller over the orchestrator and the store: all
// decisions live below this layer.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/solacehealth/solace/internal/orchestrator"
	"github.com/solacehealth/solace/internal/store"
	"github.com/solacehealth/solace/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store        store.Store
	Orchestrator *orchestrator.Orchestrator
	UsageLimit   int
}

// New creates a Handlers instance.
func New(s store.Store, orch *orchestrator.Orchestrator, usageLimit int) *Handlers {
	return &Handlers{Store: s, Orchestrator: orch, UsageLimit: usageLimit}
}

// ── Turns ────────────────────────────────────────────────────

// SendTurn handles one dialogue turn and returns the stored reply.
func (h *Handlers) SendTurn(w http.ResponseWriter, r *http.Request) {
	var req models.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	resp, err := h.Orchestrator.SendTurn(r.Context(), req, req.DeepTierEligible)
	if err != nil {
		respondTurnError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// SendTurnStream handles one dialogue turn, streaming reply deltas as
// server-sent events, followed by a final `turn` event with the full
// TurnResponse. Crisis turns skip the delta phase and emit only the
// final event.
func (h *Handlers) SendTurnStream(w http.ResponseWriter, r *http.Request) {
	var req models.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	deltas := make(chan string, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for delta := range deltas {
			payload, _ := json.Marshal(map[string]string{"delta": delta})
			w.Write([]byte("event: delta\ndata: "))
			w.Write(payload)
			w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}()

	resp, err := h.Orchestrator.SendTurnStream(r.Context(), req, req.DeepTierEligible, deltas)
	<-done
	if err != nil {
		payload, _ := json.Marshal(map[string]string{"error": err.Error()})
		w.Write([]byte("event: error\ndata: "))
		w.Write(payload)
		w.Write([]byte("\n\n"))
		flusher.Flush()
		return
	}

	payload, _ := json.Marshal(resp)
	w.Write([]byte("event: turn\ndata: "))
	w.Write(payload)
	w.Write([]byte("\n\n"))
	flusher.Flush()
}

// ── Conversations ────────────────────────────────────────────

func (h *Handlers) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	convs, err := h.Store.ListConversations(r.Context(), userID, 100)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	respondJSON(w, http.StatusOK, convs)
}

func (h *Handlers) GetConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.ownedConversation(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

func (h *Handlers) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.ownedConversation(w, r)
	if !ok {
		return
	}

	if err := h.Store.DeleteConversation(r.Context(), conv.ID); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Info().Str("conversation_id", conv.ID).Msg("Conversation deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) ListMessages(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.ownedConversation(w, r)
	if !ok {
		return
	}

	msgs, err := h.Store.ListMessages(r.Context(), conv.ID, 0)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	respondJSON(w, http.StatusOK, msgs)
}

func (h *Handlers) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.ownedConversation(w, r)
	if !ok {
		return
	}

	record, err := h.Store.GetAnalysis(r.Context(), conv.ID)
	if err != nil {
		if _, notFound := err.(*store.ErrNotFound); notFound {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, record)
}

// ownedConversation loads the conversation from the URL and enforces
// ownership; a conversation owned by someone else reads as not found.
func (h *Handlers) ownedConversation(w http.ResponseWriter, r *http.Request) (*models.Conversation, bool) {
	id := chi.URLParam(r, "conversationId")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return nil, false
	}

	conv, err := h.Store.GetConversation(r.Context(), id)
	if err != nil {
		if _, notFound := err.(*store.ErrNotFound); notFound {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return nil, false
	}
	if conv.UserID != userID {
		respondError(w, http.StatusNotFound, "conversation not found: "+id)
		return nil, false
	}
	return conv, true
}

// ── Usage ────────────────────────────────────────────────────

func (h *Handlers) GetUsage(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	counter, err := h.Store.GetUsage(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id":      counter.UserID,
		"count":        counter.Count,
		"limit":        h.UsageLimit,
		"period_start": counter.PeriodStart,
		"period_end":   counter.PeriodEnd,
	})
}

// ── Error mapping & helpers ─────────────────────────────────

// respondTurnError maps the orchestrator's error taxonomy onto HTTP.
// Generation unavailability is a retryable 503, distinct from the
// user-facing validation errors.
func respondTurnError(w http.ResponseWriter, err error) {
	switch e := err.(type) {
	case *orchestrator.ErrEmptyMessage:
		respondError(w, http.StatusBadRequest, e.Error())
	case *orchestrator.ErrConversationNotFound:
		respondError(w, http.StatusNotFound, e.Error())
	case *orchestrator.ErrUsageLimitExceeded:
		respondJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":    e.Error(),
			"limit":    e.Limit,
			"reset_at": e.ResetAt.Format(time.RFC3339),
		})
	case *orchestrator.ErrGenerationUnavailable:
		w.Header().Set("Retry-After", "10")
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":     "The assistant is temporarily unavailable, please retry",
			"retryable": true,
		})
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
