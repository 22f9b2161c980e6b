package errors

import (
	"encoding/json"
	"net/http"
)

// Messages returned by the JSON surfaces. The exact strings are part of the
// wire contract for clients of the file and file-request APIs.
const (
	MsgInvalidSignature    = "Invalid signature"
	MsgQuotaUploadReset    = "Quota exceeded, upload reset"
	MsgQuotaUploadCanceled = "Quota exceeded, upload canceled"
)

// WriteJSON writes a JSON error body {"error": message} with the given
// HTTP status. Used by the public file, transform, and file-request APIs.
func WriteJSON(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
