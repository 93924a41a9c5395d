package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/emwebdesign1/ceracotta1-sub000/internal/platform/httpx"
)

const (
	defaultSignatureHeader = "X-Signature"
	defaultTimestampHeader = "X-Signature-Timestamp"
	defaultNonceHeader     = "X-Signature-Nonce"

	defaultClockSkew = 5 * time.Minute
	defaultNonceTTL  = 10 * time.Minute

	maxSignedBodyBytes = 1 << 20
)

// NonceStore tracks unique nonces for replay prevention.
type NonceStore interface {
	// UseNonce records the nonce if it has not been seen before within the scope. The boolean indicates
	// whether the nonce was stored (true) or already existed (false).
	UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error)
}

// InMemoryNonceStore is a process-local registry for single-instance deployments and tests.
type InMemoryNonceStore struct {
	mu     sync.Mutex
	nonces map[string]time.Time
	now    func() time.Time
}

func NewInMemoryNonceStore() *InMemoryNonceStore {
	return &InMemoryNonceStore{nonces: make(map[string]time.Time), now: time.Now}
}

// UseNonce records the nonce until the provided expiry, rejecting replays until then.
func (s *InMemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}

	key := scope + "::" + nonce

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, exp := range s.nonces {
		if exp.Before(now) {
			delete(s.nonces, k)
		}
	}

	if expiry.Before(now) {
		return false, errors.New("auth: nonce expiry is in the past")
	}

	if existing, ok := s.nonces[key]; ok && existing.After(now) {
		return false, nil
	}

	s.nonces[key] = expiry
	return true, nil
}

// RedisNonceStore shares the nonce registry across instances using SET NX with expiry.
type RedisNonceStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisNonceStore(client redis.UniversalClient) *RedisNonceStore {
	return &RedisNonceStore{client: client, prefix: "hmac:nonce:"}
}

func (s *RedisNonceStore) UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}
	ttl := time.Until(expiry)
	if ttl <= 0 {
		return false, errors.New("auth: nonce expiry is in the past")
	}
	stored, err := s.client.SetNX(ctx, s.prefix+scope+":"+nonce, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("auth: redis nonce: %w", err)
	}
	return stored, nil
}

// HMACValidator verifies callbacks signed with a shared secret. The canonical string is
// METHOD \n PATH \n TIMESTAMP \n NONCE \n hex(sha256(body)).
type HMACValidator struct {
	secret []byte
	scope  string
	nonces NonceStore

	logger func(ctx context.Context, event string, fields map[string]any)
	now    func() time.Time

	signatureHeader string
	timestampHeader string
	nonceHeader     string

	clockSkew time.Duration
	nonceTTL  time.Duration
}

// HMACOption customises the validator.
type HMACOption func(*HMACValidator)

// NewHMACValidator builds a validator for one integration. scope namespaces its nonces.
func NewHMACValidator(scope, secret string, nonces NonceStore, opts ...HMACOption) *HMACValidator {
	validator := &HMACValidator{
		secret:          []byte(secret),
		scope:           strings.TrimSpace(scope),
		nonces:          nonces,
		logger:          func(context.Context, string, map[string]any) {},
		now:             time.Now,
		signatureHeader: defaultSignatureHeader,
		timestampHeader: defaultTimestampHeader,
		nonceHeader:     defaultNonceHeader,
		clockSkew:       defaultClockSkew,
		nonceTTL:        defaultNonceTTL,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(validator)
		}
	}

	return validator
}

// WithHMACLogger overrides the validator event logger.
func WithHMACLogger(logger func(ctx context.Context, event string, fields map[string]any)) HMACOption {
	return func(v *HMACValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithHMACClock injects a custom clock, primarily for tests.
func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithHMACHeaders customises the header names used by the middleware.
func WithHMACHeaders(signature, timestamp, nonce string) HMACOption {
	return func(v *HMACValidator) {
		if signature != "" {
			v.signatureHeader = signature
		}
		if timestamp != "" {
			v.timestampHeader = timestamp
		}
		if nonce != "" {
			v.nonceHeader = nonce
		}
	}
}

func WithHMACClockSkew(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

func WithHMACNonceTTL(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.nonceTTL = d
		}
	}
}

// Sign produces the base64 signature for a request, used by simulators and tests.
func (v *HMACValidator) Sign(method, path string, body []byte, timestamp, nonce string) string {
	return base64.StdEncoding.EncodeToString(computeHMAC(v.secret, buildCanonicalString(method, path, body, timestamp, nonce)))
}

// RequireHMAC rejects unsigned, stale, tampered or replayed requests before the body is
// handed to next. The body is restored for the downstream handler.
func (v *HMACValidator) RequireHMAC() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if len(v.secret) == 0 {
				v.reject(ctx, w, "secret_not_configured", http.StatusServiceUnavailable, httpx.CodeUnavailable, "signature verification unavailable")
				return
			}

			signatureValue := strings.TrimSpace(r.Header.Get(v.signatureHeader))
			timestampValue := strings.TrimSpace(r.Header.Get(v.timestampHeader))
			nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
			if signatureValue == "" || timestampValue == "" || nonce == "" {
				v.reject(ctx, w, "headers_missing", http.StatusBadRequest, httpx.CodeInvalidSignature, "signature headers missing")
				return
			}

			timestamp, err := parseSignatureTimestamp(timestampValue)
			if err != nil {
				v.reject(ctx, w, "timestamp_invalid", http.StatusBadRequest, httpx.CodeInvalidSignature, "signature timestamp invalid")
				return
			}
			if skew := v.now().Sub(timestamp); skew > v.clockSkew || skew < -v.clockSkew {
				v.reject(ctx, w, "timestamp_skew", http.StatusBadRequest, httpx.CodeInvalidSignature, "signature timestamp outside allowed window")
				return
			}

			bodyBytes, err := readAndRestoreBody(r)
			if err != nil {
				v.reject(ctx, w, "body_unreadable", http.StatusBadRequest, httpx.CodeInvalidRequest, "unable to read body")
				return
			}

			signature, err := decodeSignature(signatureValue)
			if err != nil {
				v.reject(ctx, w, "signature_encoding", http.StatusBadRequest, httpx.CodeInvalidSignature, "signature encoding invalid")
				return
			}

			expected := computeHMAC(v.secret, buildCanonicalString(r.Method, r.URL.EscapedPath(), bodyBytes, timestampValue, nonce))
			if !hmac.Equal(signature, expected) {
				v.reject(ctx, w, "signature_mismatch", http.StatusBadRequest, httpx.CodeInvalidSignature, "signature verification failed")
				return
			}

			if v.nonces == nil {
				v.reject(ctx, w, "nonce_store_unavailable", http.StatusServiceUnavailable, httpx.CodeUnavailable, "nonce store unavailable")
				return
			}

			expiry := timestamp.Add(v.nonceTTL)
			if expiry.Before(v.now()) {
				expiry = v.now().Add(v.nonceTTL)
			}
			stored, err := v.nonces.UseNonce(ctx, v.scope, nonce, expiry)
			if err != nil {
				v.logger(ctx, "hmac.nonce_store_failed", map[string]any{"scope": v.scope, "error": err})
				v.reject(ctx, w, "nonce_store_error", http.StatusServiceUnavailable, httpx.CodeUnavailable, "nonce storage error")
				return
			}
			if !stored {
				v.reject(ctx, w, "nonce_replay", http.StatusBadRequest, httpx.CodeInvalidSignature, "duplicate signature nonce")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (v *HMACValidator) reject(ctx context.Context, w http.ResponseWriter, reason string, status int, code, message string) {
	v.logger(ctx, "hmac.rejected", map[string]any{"scope": v.scope, "reason": reason})
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
}

func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()

	buf, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(buf) > maxSignedBodyBytes {
		return nil, errors.New("auth: signed body too large")
	}

	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

func decodeSignature(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("auth: empty signature")
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be base64 or hex encoded")
}

func parseSignatureTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("auth: timestamp empty")
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
}

func buildCanonicalString(method, path string, body []byte, timestamp, nonce string) []byte {
	if path == "" {
		path = "/"
	}
	hash := sha256.Sum256(body)
	return []byte(strings.Join([]string{
		strings.ToUpper(method),
		path,
		timestamp,
		nonce,
		hex.EncodeToString(hash[:]),
	}, "\n"))
}

func computeHMAC(secret []byte, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}
