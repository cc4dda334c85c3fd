package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/onnwee/castbridge/obsws"
)

// parseIntQuery extracts an int parameter from query string with a default value.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// writeJSON encodes v as the response body with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes an error envelope the dashboard understands.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

// obsStatusCode maps a typed protocol error to an HTTP status code.
func obsStatusCode(err error) int {
	switch obsws.KindOf(err) {
	case obsws.KindRequestTimeout:
		return http.StatusGatewayTimeout
	case obsws.KindAuthentication:
		return http.StatusUnauthorized
	case obsws.KindConnectionClosed, obsws.KindTransport:
		return http.StatusBadGateway
	case obsws.KindRequestFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
