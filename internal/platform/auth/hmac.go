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
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultSignatureHeader = "X-Signature"
	defaultTimestampHeader = "X-Signature-Timestamp"
	defaultNonceHeader     = "X-Signature-Nonce"

	defaultSignatureSkew     = 5 * time.Minute
	defaultSignatureNonceTTL = 5 * time.Minute
)

// SigningKeySource resolves the shared secrets internal callers sign with.
type SigningKeySource interface {
	SigningKey(ctx context.Context, name string) (string, error)
}

// SigningKeySourceFunc adapts a function to SigningKeySource.
type SigningKeySourceFunc func(context.Context, string) (string, error)

// SigningKey implements SigningKeySource.
func (f SigningKeySourceFunc) SigningKey(ctx context.Context, name string) (string, error) {
	if f == nil {
		return "", errors.New("auth: signing key source not configured")
	}
	return f(ctx, name)
}

// ReplayGuard reserves nonces so a captured request cannot be replayed.
type ReplayGuard interface {
	// Reserve records the nonce within the scope until expiry. False means
	// the nonce was already seen.
	Reserve(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error)
}

// MemoryReplayGuard is an in-process ReplayGuard for tests and single-node deployments.
type MemoryReplayGuard struct {
	mu     sync.Mutex
	nonces map[string]time.Time
}

// NewMemoryReplayGuard constructs the guard.
func NewMemoryReplayGuard() *MemoryReplayGuard {
	return &MemoryReplayGuard{nonces: make(map[string]time.Time)}
}

// Reserve records the nonce until expiry, sweeping expired entries as it goes.
func (g *MemoryReplayGuard) Reserve(_ context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}

	key := scope + "::" + nonce

	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for k, exp := range g.nonces {
		if exp.Before(now) {
			delete(g.nonces, k)
		}
	}

	if expiry.Before(now) {
		return false, errors.New("auth: nonce expiry is in the past")
	}
	if existing, ok := g.nonces[key]; ok && existing.After(now) {
		return false, nil
	}

	g.nonces[key] = expiry
	return true, nil
}

// SignedRequestVerifier checks the HMAC signature trusted internal callers
// (reconciliation jobs, warehouse sync) attach to their requests.
type SignedRequestVerifier struct {
	keys   SigningKeySource
	replay ReplayGuard

	logger  Logger
	metrics MetricsRecorder
	now     func() time.Time

	signatureHeader string
	timestampHeader string
	nonceHeader     string

	skew     time.Duration
	nonceTTL time.Duration

	keyCache sync.Map
}

// SignedRequestOption customises the verifier.
type SignedRequestOption func(*SignedRequestVerifier)

// NewSignedRequestVerifier builds a verifier over the given key source and replay guard.
func NewSignedRequestVerifier(keys SigningKeySource, replay ReplayGuard, opts ...SignedRequestOption) *SignedRequestVerifier {
	v := &SignedRequestVerifier{
		keys:            keys,
		replay:          replay,
		logger:          log.Default(),
		now:             time.Now,
		signatureHeader: defaultSignatureHeader,
		timestampHeader: defaultTimestampHeader,
		nonceHeader:     defaultNonceHeader,
		skew:            defaultSignatureSkew,
		nonceTTL:        defaultSignatureNonceTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// WithSignedRequestLogger overrides the verifier logger.
func WithSignedRequestLogger(logger Logger) SignedRequestOption {
	return func(v *SignedRequestVerifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithSignedRequestMetrics sets the metrics recorder.
func WithSignedRequestMetrics(metrics MetricsRecorder) SignedRequestOption {
	return func(v *SignedRequestVerifier) {
		v.metrics = metrics
	}
}

// WithSignedRequestClock injects a custom clock, primarily for tests.
func WithSignedRequestClock(now func() time.Time) SignedRequestOption {
	return func(v *SignedRequestVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithSignedRequestHeaders customises the header names carrying the signature parts.
func WithSignedRequestHeaders(signature, timestamp, nonce string) SignedRequestOption {
	return func(v *SignedRequestVerifier) {
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

// WithSignedRequestSkew adjusts the accepted timestamp skew.
func WithSignedRequestSkew(d time.Duration) SignedRequestOption {
	return func(v *SignedRequestVerifier) {
		if d > 0 {
			v.skew = d
		}
	}
}

// WithSignedRequestNonceTTL customises how long nonces are retained.
func WithSignedRequestNonceTTL(d time.Duration) SignedRequestOption {
	return func(v *SignedRequestVerifier) {
		if d > 0 {
			v.nonceTTL = d
		}
	}
}

// SignedCaller describes the verified signature for downstream handlers.
type SignedCaller struct {
	KeyName   string
	Timestamp time.Time
	Nonce     string
}

type signedCallerContextKey struct{}

// WithSignedCaller stores the verified signature details on the context.
func WithSignedCaller(ctx context.Context, caller *SignedCaller) context.Context {
	if caller == nil {
		return ctx
	}
	return context.WithValue(ctx, signedCallerContextKey{}, caller)
}

// SignedCallerFromContext retrieves the details stored by the middleware.
func SignedCallerFromContext(ctx context.Context) (*SignedCaller, bool) {
	caller, ok := ctx.Value(signedCallerContextKey{}).(*SignedCaller)
	if !ok || caller == nil {
		return nil, false
	}
	return caller, true
}

// RequireSigned enforces a valid signature computed with the named key.
func (v *SignedRequestVerifier) RequireSigned(keyName string) func(http.Handler) http.Handler {
	name := strings.TrimSpace(keyName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			ctx := r.Context()

			caller, fail := v.verify(ctx, r, name)
			if fail != nil {
				if fail.err != nil && v.logger != nil {
					v.logger.Printf("auth: signature verification failed (%s): %v", fail.reason, fail.err)
				}
				v.record(ctx, false, fail.reason, start)
				respondAuthError(w, fail.status, fail.code, fail.message)
				return
			}

			v.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithSignedCaller(ctx, caller)))
		})
	}
}

// RequireSignedFrom selects the signing key per request via the selector.
func (v *SignedRequestVerifier) RequireSignedFrom(selector func(*http.Request) (string, bool)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if selector == nil {
				v.record(r.Context(), false, "key_not_configured", v.now())
				respondAuthError(w, http.StatusServiceUnavailable, "verification_unavailable", "signing key selector not configured")
				return
			}

			keyName, ok := selector(r)
			if !ok || strings.TrimSpace(keyName) == "" {
				v.record(r.Context(), false, "caller_unknown", v.now())
				respondAuthError(w, http.StatusUnauthorized, "unknown_caller", "signing key for caller not recognised")
				return
			}

			v.RequireSigned(keyName)(next).ServeHTTP(w, r)
		})
	}
}

type signatureFailure struct {
	status  int
	code    string
	reason  string
	message string
	err     error
}

func (v *SignedRequestVerifier) verify(ctx context.Context, r *http.Request, keyName string) (*SignedCaller, *signatureFailure) {
	if keyName == "" {
		return nil, &signatureFailure{http.StatusServiceUnavailable, "verification_unavailable", "key_not_configured", "signing key not configured", nil}
	}

	key, err := v.loadKey(ctx, keyName)
	if err != nil {
		return nil, &signatureFailure{http.StatusServiceUnavailable, "verification_unavailable", "key_unavailable", "signing key unavailable", err}
	}

	signatureValue := strings.TrimSpace(r.Header.Get(v.signatureHeader))
	if signatureValue == "" {
		return nil, &signatureFailure{http.StatusUnauthorized, "signature_missing", "signature_missing", "signature header missing", nil}
	}

	timestampValue := strings.TrimSpace(r.Header.Get(v.timestampHeader))
	if timestampValue == "" {
		return nil, &signatureFailure{http.StatusUnauthorized, "timestamp_missing", "timestamp_missing", "signature timestamp missing", nil}
	}
	timestamp, err := parseSignatureTimestamp(timestampValue)
	if err != nil {
		return nil, &signatureFailure{http.StatusUnauthorized, "timestamp_invalid", "timestamp_invalid", "signature timestamp invalid", nil}
	}
	if skew := v.now().Sub(timestamp); skew > v.skew || skew < -v.skew {
		return nil, &signatureFailure{http.StatusUnauthorized, "timestamp_skew", "timestamp_skew", "signature timestamp outside allowed window", nil}
	}

	nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
	if nonce == "" {
		return nil, &signatureFailure{http.StatusUnauthorized, "nonce_missing", "nonce_missing", "signature nonce missing", nil}
	}

	body, err := readAndRestoreBody(r)
	if err != nil {
		return nil, &signatureFailure{http.StatusBadRequest, "invalid_body", "body_unreadable", "unable to read body for signature verification", nil}
	}

	signature, err := decodeSignature(signatureValue)
	if err != nil {
		return nil, &signatureFailure{http.StatusUnauthorized, "signature_invalid", "signature_invalid", "signature encoding invalid", nil}
	}

	expected := signRequest(key, r, body, timestampValue, nonce)
	if !hmac.Equal(signature, expected) {
		return nil, &signatureFailure{http.StatusUnauthorized, "signature_mismatch", "signature_mismatch", "signature verification failed", nil}
	}

	if v.replay == nil {
		return nil, &signatureFailure{http.StatusServiceUnavailable, "verification_unavailable", "replay_guard_unavailable", "replay guard unavailable", nil}
	}

	expiry := timestamp.Add(v.nonceTTL)
	if expiry.Before(v.now()) {
		expiry = v.now().Add(v.nonceTTL)
	}
	reserved, err := v.replay.Reserve(ctx, keyName, nonce, expiry)
	if err != nil {
		return nil, &signatureFailure{http.StatusServiceUnavailable, "verification_unavailable", "replay_guard_error", "nonce storage error", err}
	}
	if !reserved {
		return nil, &signatureFailure{http.StatusUnauthorized, "nonce_replay", "nonce_replay", "duplicate signature nonce", nil}
	}

	return &SignedCaller{KeyName: keyName, Timestamp: timestamp, Nonce: nonce}, nil
}

func (v *SignedRequestVerifier) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v == nil || v.metrics == nil {
		return
	}
	v.metrics.RecordVerification(ctx, "hmac", success, reason, v.now().Sub(start))
}

func (v *SignedRequestVerifier) loadKey(ctx context.Context, name string) ([]byte, error) {
	if v == nil || v.keys == nil {
		return nil, errors.New("auth: signing key source not configured")
	}

	if cached, ok := v.keyCache.Load(name); ok {
		if key, ok := cached.([]byte); ok && len(key) > 0 {
			return key, nil
		}
	}

	raw, err := v.keys.SigningKey(ctx, name)
	if err != nil {
		return nil, err
	}
	key := []byte(raw)
	if len(key) == 0 {
		return nil, errors.New("auth: signing key is empty")
	}

	v.keyCache.Store(name, key)
	return key, nil
}

func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()

	buf, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
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

// signRequest computes the expected signature over method, path, timestamp,
// nonce and the body digest, newline separated.
func signRequest(key []byte, r *http.Request, body []byte, timestamp, nonce string) []byte {
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	digest := sha256.Sum256(body)
	canonical := strings.Join([]string{
		strings.ToUpper(r.Method),
		path,
		timestamp,
		nonce,
		hex.EncodeToString(digest[:]),
	}, "\n")

	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte(canonical))
	return mac.Sum(nil)
}
