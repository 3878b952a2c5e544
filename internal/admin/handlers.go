package admin

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/edgard/botfleet/internal/apperr"
	"github.com/edgard/botfleet/internal/database"
)

const maxBodyBytes = 1 << 20

type handlers struct {
	svc Service
	log *slog.Logger
}

type createBotRequest struct {
	Token         string             `json:"token"`
	Handle        string             `json:"handle"`
	Configuration database.BotConfig `json:"configuration"`
}

type botResponse struct {
	BotID         string             `json:"bot_id"`
	Handle        string             `json:"handle"`
	Token         string             `json:"token"`
	Status        database.BotStatus `json:"status"`
	Configuration database.BotConfig `json:"configuration"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

type chatResponse struct {
	ChatID    string    `json:"chat_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type messageResponse struct {
	MessageID int64     `json:"message_id"`
	Text      string    `json:"text"`
	IsFromBot bool      `json:"is_from_bot"`
	Timestamp time.Time `json:"timestamp"`
}

type statusResponse struct {
	BotID  string             `json:"bot_id"`
	Status database.BotStatus `json:"status"`
}

func newBotResponse(b *database.Bot) botResponse {
	return botResponse{
		BotID:         b.ID,
		Handle:        b.Handle,
		Token:         redactToken(b.Token),
		Status:        b.Status,
		Configuration: b.Config,
		CreatedAt:     b.CreatedAt,
		UpdatedAt:     b.UpdatedAt,
	}
}

// redactToken keeps only the last four characters of long tokens.
func redactToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return "****" + token[len(token)-4:]
}

func (h *handlers) listBots(w http.ResponseWriter, r *http.Request) {
	bots, err := h.svc.List(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out := make([]botResponse, 0, len(bots))
	for i := range bots {
		out = append(out, newBotResponse(&bots[i]))
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *handlers) createBot(w http.ResponseWriter, r *http.Request) {
	var req createBotRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	botID, err := h.svc.Create(r.Context(), strings.TrimSpace(req.Token), strings.TrimSpace(req.Handle), req.Configuration)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"bot_id": botID})
}

func (h *handlers) getBot(w http.ResponseWriter, r *http.Request) {
	bot, err := h.svc.Get(r.Context(), chi.URLParam(r, "botID"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newBotResponse(bot))
}

func (h *handlers) updateConfiguration(w http.ResponseWriter, r *http.Request) {
	botID := chi.URLParam(r, "botID")
	var cfg database.BotConfig
	if err := decodeBody(w, r, &cfg); err != nil {
		h.respondError(w, r, err)
		return
	}
	if err := h.svc.UpdateConfiguration(r.Context(), botID, cfg); err != nil {
		h.respondError(w, r, err)
		return
	}
	bot, err := h.svc.Get(r.Context(), botID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newBotResponse(bot))
}

func (h *handlers) deleteBot(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "botID")); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) startBot(w http.ResponseWriter, r *http.Request) {
	botID := chi.URLParam(r, "botID")
	if err := h.svc.Start(r.Context(), botID); err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, statusResponse{BotID: botID, Status: database.BotStatusRunning})
}

func (h *handlers) stopBot(w http.ResponseWriter, r *http.Request) {
	botID := chi.URLParam(r, "botID")
	if err := h.svc.Stop(r.Context(), botID); err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, statusResponse{BotID: botID, Status: database.BotStatusStopped})
}

func (h *handlers) listChats(w http.ResponseWriter, r *http.Request) {
	chats, err := h.svc.ListChats(r.Context(), chi.URLParam(r, "botID"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out := make([]chatResponse, 0, len(chats))
	for _, c := range chats {
		out = append(out, chatResponse{ChatID: c.ChatID, Name: c.Name, CreatedAt: c.CreatedAt})
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *handlers) getHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.svc.GetHistory(r.Context(), chi.URLParam(r, "botID"), chi.URLParam(r, "chatID"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out := make([]messageResponse, 0, len(history))
	for _, m := range history {
		out = append(out, messageResponse{MessageID: m.ID, Text: m.Text, IsFromBot: m.IsFromBot, Timestamp: m.Timestamp})
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *handlers) clearHistory(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ClearHistory(r.Context(), chi.URLParam(r, "botID"), chi.URLParam(r, "chatID")); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.New(apperr.ErrValidation, "request body is empty", nil)
		}
		return apperr.New(apperr.ErrValidation, "invalid request body", err)
	}
	return nil
}

// statusFor maps an error's kind to the HTTP status reported to clients.
func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindTransport, apperr.KindService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	message := err.Error()
	// Upstream and store errors can carry transport URLs; keep them in logs only.
	if status >= http.StatusInternalServerError {
		h.log.ErrorContext(r.Context(), "Request failed", "path", r.URL.Path, "error", err)
		message = http.StatusText(status)
	}
	respondJSON(w, status, map[string]string{
		"error": message,
		"kind":  string(apperr.KindOf(err)),
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
