package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/novasocial/messaging/internal/apperror"
	"github.com/novasocial/messaging/pkg/log"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

// writeAppError maps a service error to its HTTP response. Extra fields, like
// the server state on a version conflict, land next to code and message.
func writeAppError(w http.ResponseWriter, err error) {
	appErr := apperror.FromError(err)
	if appErr.Kind == apperror.KindInternal || appErr.Kind == apperror.KindUnavailable {
		log.WithComponent("http").Error().Err(err).Msg("request failed")
	}

	body := map[string]string{"code": appErr.Code, "message": appErr.Message}
	payload := map[string]any{"error": body}
	for k, v := range appErr.Extra {
		payload[k] = v
	}
	writeJSON(w, appErr.Kind.HTTPStatus(), payload)
}
