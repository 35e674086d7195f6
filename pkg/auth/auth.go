// Package auth guards the builder service with static API keys.
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrMissingKey indicates that the Authorization header was not provided.
	ErrMissingKey = errors.New("missing API key")
	// ErrInvalidPrefix indicates the header did not use the required Key prefix.
	ErrInvalidPrefix = errors.New("invalid authorization prefix")
	// ErrUnknownKey indicates the key is not one of the configured keys.
	ErrUnknownKey = errors.New("unknown API key")
)

// ExtractKey parses an "Authorization: Key <token>" header.
func ExtractKey(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingKey
	}

	if !strings.HasPrefix(header, "Key ") {
		return "", ErrInvalidPrefix
	}

	token := strings.TrimSpace(strings.TrimPrefix(header, "Key "))
	if token == "" {
		return "", ErrMissingKey
	}

	return token, nil
}

// Keys is the set of accepted API keys. An empty set disables checking.
type Keys []string

// ParseKeys splits a comma separated list, dropping blanks.
func ParseKeys(raw string) Keys {
	var keys Keys
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// Verify checks the request's key against the set.
func (k Keys) Verify(r *http.Request) error {
	if len(k) == 0 {
		return nil
	}
	token, err := ExtractKey(r)
	if err != nil {
		return err
	}
	for _, key := range k {
		if subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1 {
			return nil
		}
	}
	return ErrUnknownKey
}

// Middleware rejects requests without a valid key with 401.
func (k Keys) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := k.Verify(r); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", "Key")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}
