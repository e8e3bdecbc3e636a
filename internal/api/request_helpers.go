package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// getPathID returns the named chi URL parameter, failing when it is empty.
func getPathID(r *http.Request, paramName string) (string, error) {
	id := chi.URLParam(r, paramName)
	if id == "" {
		return "", fmt.Errorf("%w: %s is required", ErrValidation, paramName)
	}
	return id, nil
}

// getQueryInt parses an optional positive integer query parameter.
func getQueryInt(r *http.Request, name string, fallback, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", ErrValidation, name)
	}
	if n > max {
		n = max
	}
	return n, nil
}
