package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ContextKey is the key type for context values
type ContextKey string

const (
	// SessionKey is the context key for the wallet session
	SessionKey ContextKey = "wallet_session"

	// HeaderName carries the signed session data
	HeaderName = "X-Wallet-Session"

	// MaxAge is how long signed session data stays valid
	MaxAge = 24 * time.Hour
)

// Session identifies the wallet owner making a request
type Session struct {
	Username string
	Role     string
}

// Sign produces session data in the form
// "auth_date=<unix>&role=<role>&username=<name>&hash=<hex hmac>"
func Sign(s Session, secret string, now time.Time) string {
	values := url.Values{}
	values.Set("username", s.Username)
	values.Set("role", s.Role)
	values.Set("auth_date", strconv.FormatInt(now.Unix(), 10))

	data := make(map[string]string, len(values))
	for k := range values {
		data[k] = values.Get(k)
	}
	values.Set("hash", computeHash(data, secret))
	return values.Encode()
}

// computeHash signs the data check string (key=value lines sorted by key)
func computeHash(data map[string]string, secret string) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var dataCheck []string
	for _, k := range keys {
		dataCheck = append(dataCheck, fmt.Sprintf("%s=%s", k, data[k]))
	}

	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(strings.Join(dataCheck, "\n")))
	return hex.EncodeToString(h.Sum(nil))
}

// ValidateSession checks the HMAC-SHA256 signature and the auth_date of
// signed session data
func ValidateSession(sessionData, secret string, now time.Time) (Session, error) {
	if secret == "" {
		return Session{}, fmt.Errorf("session secret not set")
	}

	values, err := url.ParseQuery(sessionData)
	if err != nil || len(values) == 0 {
		return Session{}, fmt.Errorf("malformed session data")
	}

	hash := values.Get("hash")
	if hash == "" {
		return Session{}, fmt.Errorf("hash not found in session data")
	}

	data := make(map[string]string)
	for k := range values {
		if k != "hash" {
			data[k] = values.Get(k)
		}
	}

	if !hmac.Equal([]byte(hash), []byte(computeHash(data, secret))) {
		return Session{}, fmt.Errorf("invalid hash")
	}

	authDateStr, ok := data["auth_date"]
	if !ok {
		return Session{}, fmt.Errorf("auth_date not found")
	}
	authDate, err := strconv.ParseInt(authDateStr, 10, 64)
	if err != nil {
		return Session{}, fmt.Errorf("invalid auth_date format")
	}
	if now.Sub(time.Unix(authDate, 0)) > MaxAge {
		return Session{}, fmt.Errorf("auth_date is too old")
	}

	s := Session{Username: data["username"], Role: data["role"]}
	if s.Username == "" || s.Role == "" {
		return Session{}, fmt.Errorf("username or role not found in session data")
	}
	return s, nil
}

// Middleware returns an HTTP middleware that validates the session header
func Middleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip auth for non-API routes (metrics, health)
			if !strings.HasPrefix(r.URL.Path, "/api/") {
				next.ServeHTTP(w, r)
				return
			}

			if r.URL.Path == "/api/ping" {
				next.ServeHTTP(w, r)
				return
			}

			sessionData := r.Header.Get(HeaderName)
			if sessionData == "" {
				http.Error(w, "Unauthorized: missing "+HeaderName+" header", http.StatusUnauthorized)
				return
			}

			session, err := ValidateSession(sessionData, secret, time.Now())
			if err != nil {
				log.Printf("Auth failed: %v", err)
				http.Error(w, "Unauthorized: invalid session", http.StatusUnauthorized)
				return
			}

			ctx := ContextWithSession(r.Context(), session)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ContextWithSession adds the session to the context
func ContextWithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, SessionKey, s)
}

// GetSessionFromContext retrieves the session from the context
func GetSessionFromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(SessionKey).(Session)
	return s, ok
}
