package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/MsgQueue/internal/models"
)

// Pre-marshaled fallback response for when a result cannot be encoded.
var fallbackErrorResponse []byte

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so an encoding failure can still change the status code.
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// writeStoreError maps a store error to a response. Lookup misses become 404 and rejected input
// becomes 400; anything else is logged and reported as "Failed to <action>".
func writeStoreError(w http.ResponseWriter, err error, action string, attrs ...any) {
	switch {
	case errors.Is(err, models.ErrDeadLetterNotFound), errors.Is(err, models.ErrEntryNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error(err.Error()))
	case errors.Is(err, models.ErrInvalidEntry), errors.Is(err, models.ErrUnknownDirection):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
	default:
		slog.Error("Server: failed to "+action, append([]any{"error", err}, attrs...)...)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to "+action))
	}
}
