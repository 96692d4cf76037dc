package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/browsergrid/browsergrid/internal/types"
)

// ErrorBody is the error payload shared by the HTTP and WebSocket frontends.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// WriteError writes the standard JSON error envelope.
func WriteError(w http.ResponseWriter, status int, kind types.Kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	env := errorEnvelope{Error: ErrorBody{Kind: string(kind), Message: message}}
	if err := json.NewEncoder(w).Encode(env); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// HTTPStatus maps an error kind to its HTTP status code.
func HTTPStatus(kind types.Kind) int {
	switch kind {
	case types.KindInvalidArgument:
		return http.StatusBadRequest
	case types.KindUnauthorized:
		return http.StatusUnauthorized
	case types.KindPermissionDenied:
		return http.StatusForbidden
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindResourceExhausted:
		return http.StatusTooManyRequests
	case types.KindTimeout:
		return http.StatusGatewayTimeout
	case types.KindCanceled:
		return 499
	case types.KindBlockedByPolicy:
		return http.StatusUnprocessableEntity
	case types.KindBrowserCrashed, types.KindUpstreamProxyFailure:
		return http.StatusBadGateway
	case types.KindScriptRuntimeError:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// WriteKindError maps err through KindOf and writes the envelope.
func WriteKindError(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)
	WriteError(w, HTTPStatus(kind), kind, err.Error())
}
