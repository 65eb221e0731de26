package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"

	"git.home.luguber.info/inful/codewiki/internal/errors"
	"git.home.luguber.info/inful/codewiki/internal/logfields"
)

// writeJSON serializes v into an intermediate buffer before touching the
// ResponseWriter, so a failed encode never sends a partial body.
func writeJSON(w http.ResponseWriter, status int, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(v); err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		slog.Error("Failed writing JSON response body", logfields.Error(err))
		return err
	}
	return nil
}

type errorBody struct {
	Error    string `json:"error"`
	Category string `json:"category"`
}

// writeError maps error categories onto HTTP status codes and emits a
// structured error body. Untyped errors are treated as internal.
func writeError(w http.ResponseWriter, err error) {
	category := errors.GetCategory(err)
	status := http.StatusInternalServerError
	switch category {
	case errors.CategoryValidation:
		status = http.StatusBadRequest
	case errors.CategoryDuplicate:
		status = http.StatusConflict
	case errors.CategoryNotFound:
		status = http.StatusNotFound
	case errors.CategoryPermission:
		status = http.StatusForbidden
	}
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", logfields.Error(err))
	}
	_ = writeJSON(w, status, errorBody{Error: err.Error(), Category: string(category)})
}

// decodeJSON reads a request body into v, rejecting unknown fields so typos
// surface as 400s instead of silent no-ops.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.ValidationError("invalid request body: " + err.Error())
	}
	return nil
}
