package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// decodeJSON reads a single JSON object from the request body. Bodies over
// the pipeline limit yield 413; malformed JSON, unknown fields and trailing
// data yield 400. The error response is already written when ok is false.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			writeError(w, r, http.StatusRequestEntityTooLarge, codeBodyTooLarge)
		} else {
			writeError(w, r, http.StatusBadRequest, codeInvalidRequest)
		}
		return v, false
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest)
		return v, false
	}
	return v, true
}
