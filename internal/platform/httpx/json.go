package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// MaxBodyBytes bounds request payloads decoded by DecodeJSON.
const MaxBodyBytes int64 = 64 * 1024

// ErrBodyTooLarge is returned when the request payload exceeds MaxBodyBytes.
var ErrBodyTooLarge = errors.New("httpx: request body too large")

// WriteJSON encodes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// DecodeJSON reads at most MaxBodyBytes from r and decodes them into dst.
func DecodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("httpx: request body is required")
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	if err != nil {
		return fmt.Errorf("httpx: read body: %w", err)
	}
	if int64(len(body)) > MaxBodyBytes {
		return ErrBodyTooLarge
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("httpx: decode body: %w", err)
	}
	return nil
}
