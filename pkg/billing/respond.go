package billing

import (
	"net/http"

	"github.com/kitchen-alchemy/functions/pkg/billing/internal"
)

// ErrorBody is the JSON error shape returned by every endpoint.
type ErrorBody struct {
	Error   string      `json:"error"`
	Message string      `json:"message,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// WriteJSON writes data as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	_ = internal.WriteJSON(w, status, data)
}

// WriteError translates err into a JSON error response. Unclassified errors
// become 500 responses that carry the error text in "message".
func WriteError(w http.ResponseWriter, err error) {
	e := AsError(err)
	body := ErrorBody{Error: e.Message, Details: e.Details}
	if e.Kind == KindInternal && e.Err != nil {
		body.Message = e.Err.Error()
	}
	WriteJSON(w, e.Status, body)
}
