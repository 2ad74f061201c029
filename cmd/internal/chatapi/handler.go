// Package chatapi serves the session REST surface of the reference backend: listing sessions per
// topic, reading history and moving sessions between the active and archived lists.
package chatapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"counsel/cmd/internal/auth"
	"counsel/cmd/internal/httpx"
	"counsel/cmd/internal/realtime"
	v1 "counsel/shared/contracts/stream/v1"
)

const historyPageSize = 500

// Handler wires the session endpoints to a realtime.SessionStore.
type Handler struct {
	log   *slog.Logger
	store realtime.SessionStore
	now   func() time.Time
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, store realtime.SessionStore) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log, store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Register mounts the routes on mux behind authn.
func (h *Handler) Register(mux *http.ServeMux, authn func(http.Handler) http.Handler) {
	if h == nil || mux == nil {
		return
	}
	if authn == nil {
		authn = func(next http.Handler) http.Handler { return next }
	}
	mux.Handle("GET /sessions", authn(http.HandlerFunc(h.handleList(v1.StatusActive))))
	mux.Handle("GET /sessions/archived", authn(http.HandlerFunc(h.handleList(v1.StatusArchived))))
	mux.Handle("GET /sessions/{id}", authn(http.HandlerFunc(h.handleGet)))
	mux.Handle("GET /sessions/{id}/messages", authn(http.HandlerFunc(h.handleMessages)))
	mux.Handle("POST /sessions/{id}/archive", authn(http.HandlerFunc(h.handleStatus(v1.StatusArchived))))
	mux.Handle("POST /sessions/{id}/unarchive", authn(http.HandlerFunc(h.handleStatus(v1.StatusActive))))
}

func (h *Handler) handleList(status string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := auth.UserID(r.Context())
		chatType, ok := v1.NormalizeChatType(r.URL.Query().Get("chat_type"))
		if !ok {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_chat_type", "chat_type must be one of "+strings.Join(v1.ChatTypes, ", "))
			return
		}

		list, err := h.store.ListSessions(r.Context(), realtime.ListSessionsInput{
			OwnerID:  userID,
			ChatType: chatType,
			Status:   status,
		})
		if err != nil {
			h.log.Error("chatapi.list.fail", "user_id", userID, "status", status, "err", err)
			httpx.WriteError(w, http.StatusInternalServerError, "internal", "could not list sessions")
			return
		}

		out := make([]v1.SessionDTO, 0, len(list))
		for _, s := range list {
			out = append(out, sessionDTO(s))
		}
		httpx.WriteJSON(w, http.StatusOK, out)
	}
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sessionDTO(sess))
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}

	msgs, err := h.allMessages(r.Context(), sess.ID)
	if err != nil {
		h.log.Error("chatapi.messages.fail", "session_id", sess.ID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "internal", "could not load messages")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, msgs)
}

func (h *Handler) allMessages(ctx context.Context, sessionID string) ([]v1.MessageDTO, error) {
	out := []v1.MessageDTO{}
	var after *int64
	for {
		page, err := h.store.FetchHistory(ctx, realtime.FetchHistoryInput{
			SessionID: sessionID,
			AfterSeq:  after,
			Limit:     historyPageSize,
		})
		if err != nil {
			return nil, err
		}
		for _, m := range page.Messages {
			out = append(out, messageDTO(m))
		}
		if !page.HasMore || len(page.Messages) == 0 {
			return out, nil
		}
		last := page.Messages[len(page.Messages)-1].Seq
		after = &last
	}
}

func (h *Handler) handleStatus(status string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := auth.UserID(r.Context())
		id := r.PathValue("id")

		_, err := h.store.SetStatus(r.Context(), realtime.SetStatusInput{
			OwnerID:   userID,
			SessionID: id,
			Status:    status,
			Now:       h.now(),
		})
		switch {
		case errors.Is(err, realtime.ErrSessionNotFound):
			httpx.WriteError(w, http.StatusNotFound, "session_not_found", "session not found")
			return
		case errors.Is(err, realtime.ErrInvalidTransition):
			httpx.WriteError(w, http.StatusConflict, "invalid_transition", "session cannot move to "+strings.ToLower(status))
			return
		case err != nil:
			h.log.Error("chatapi.status.fail", "session_id", id, "status", status, "err", err)
			httpx.WriteError(w, http.StatusInternalServerError, "internal", "could not update session")
			return
		}

		h.log.Info("session.status", "session_id", id, "user_id", userID, "status", status)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (realtime.StoredSession, bool) {
	id := r.PathValue("id")
	sess, err := h.store.GetSession(r.Context(), auth.UserID(r.Context()), id)
	switch {
	case errors.Is(err, realtime.ErrSessionNotFound):
		httpx.WriteError(w, http.StatusNotFound, "session_not_found", "session not found")
		return realtime.StoredSession{}, false
	case err != nil:
		h.log.Error("chatapi.get.fail", "session_id", id, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "internal", "could not load session")
		return realtime.StoredSession{}, false
	}
	return sess, true
}

func sessionDTO(s realtime.StoredSession) v1.SessionDTO {
	return v1.SessionDTO{
		ID:        s.ID,
		Title:     s.Title,
		ChatType:  s.ChatType,
		Status:    s.Status,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

func messageDTO(m realtime.StoredMessage) v1.MessageDTO {
	return v1.MessageDTO{
		ID:        m.ID,
		SessionID: m.SessionID,
		Sender:    m.Sender,
		Content:   m.Content,
		Timestamp: m.CreatedAt,
	}
}
