package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/timskillet/replicated-filestore/internal/dfserr"
)

// WriteJSON writes v with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError writes {"error": msg} with the status mapped from err.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, dfserr.HTTPStatus(err), map[string]string{"error": err.Error()})
}

// DecodeJSON decodes a request body. Malformed bodies are invalid arguments; bodies past
// http.MaxBytesReader's limit are too.
func DecodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("%w: request body exceeds %d bytes", dfserr.ErrInvalidArgument, tooLarge.Limit)
		}
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty request body", dfserr.ErrInvalidArgument)
		}
		return fmt.Errorf("%w: invalid JSON: %v", dfserr.ErrInvalidArgument, err)
	}
	return nil
}
