package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/novasocial/messaging/internal/domain"
	"github.com/novasocial/messaging/internal/service"
	"github.com/novasocial/messaging/internal/transport/http/middleware"
	"github.com/novasocial/messaging/pkg/validator"
)

type MessageHandler struct {
	messageService *service.MessageService
}

func NewMessageHandler(messageService *service.MessageService) *MessageHandler {
	return &MessageHandler{messageService: messageService}
}

func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	conversationID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid conversation ID")
		return
	}

	var input service.SendMessageInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid request body")
		return
	}

	errs := validator.ValidateMessageContent(input.Content)
	for f, m := range validator.ValidateIdempotencyKey(input.IdempotencyKey) {
		errs.Add(f, m)
	}
	if errs.HasErrors() {
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", errs.Error())
		return
	}

	result, err := h.messageService.Send(r.Context(), conversationID, userID, input)
	if err != nil {
		writeAppError(w, err)
		return
	}

	// An idempotent replay answers 409 with a body identical to the one the
	// original attempt produced.
	if result.Replayed {
		writeJSON(w, http.StatusConflict, result)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	conversationID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid conversation ID")
		return
	}

	var before *int64
	if beforeStr := r.URL.Query().Get("before"); beforeStr != "" {
		seq, err := strconv.ParseInt(beforeStr, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_CURSOR", "Invalid before cursor")
			return
		}
		before = &seq
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	messages, err := h.messageService.History(r.Context(), conversationID, userID, before, limit)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (h *MessageHandler) Edit(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	conversationID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid conversation ID")
		return
	}
	messageID, err := uuid.Parse(r.PathValue("mid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid message ID")
		return
	}

	var input service.EditMessageInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid request body")
		return
	}

	msg, err := h.messageService.Edit(r.Context(), conversationID, messageID, userID, input)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *MessageHandler) Recall(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	conversationID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid conversation ID")
		return
	}
	messageID, err := uuid.Parse(r.PathValue("mid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid message ID")
		return
	}

	msg, err := h.messageService.Recall(r.Context(), conversationID, messageID, userID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}
