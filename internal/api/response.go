package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/twilio/twilio-go/twiml"

	"github.com/BTreeMap/ComplaintPipe/internal/models"
)

// Pre-marshaled fallback responses to avoid runtime encoding failures
var (
	fallbackErrorResponse []byte
	emptyTwiML            string
)

const fallbackTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
	emptyTwiML, err = twiml.Messages(nil)
	if err != nil {
		emptyTwiML = fallbackTwiML
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so encoding errors are caught before headers are written
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

// writeTwiMLResponse answers a Twilio webhook with an empty messaging response,
// so Twilio sends nothing back on its own.
func writeTwiMLResponse(w http.ResponseWriter, statusCode int) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(statusCode)
	if _, err := w.Write([]byte(emptyTwiML)); err != nil {
		slog.Error("Server.writeTwiMLResponse: failed to write response", "error", err)
	}
}

func methodNotAllowed(w http.ResponseWriter, handler string, r *http.Request, allowed string) {
	w.Header().Set("Allow", allowed)
	slog.Warn(handler+": method not allowed", "method", r.Method)
	writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("method not allowed"))
}
