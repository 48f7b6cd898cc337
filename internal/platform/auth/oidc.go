package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

var (
	// ErrSigningKeyNotFound is returned when the token's kid is absent from the fetched key set.
	ErrSigningKeyNotFound = errors.New("auth: signing key not found")
	// ErrKeySetUnavailable wraps transport or decoding failures while refreshing the key set.
	ErrKeySetUnavailable = errors.New("auth: key set unavailable")
)

// Logger captures the minimal logging contract used by the auth package.
type Logger interface {
	Printf(format string, args ...any)
}

// MetricsRecorder records verification outcomes for observability.
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration)
}

// MetricsRecorderFunc adapts a function to MetricsRecorder.
type MetricsRecorderFunc func(context.Context, string, bool, string, time.Duration)

// RecordVerification implements MetricsRecorder.
func (f MetricsRecorderFunc) RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
	if f != nil {
		f(ctx, kind, success, reason, duration)
	}
}

const (
	defaultKeySetRefreshInterval = 15 * time.Minute
	defaultKeySetFetchTimeout    = 5 * time.Second
)

// RemoteKeySet caches the JSON Web Keys of a trusted issuer, refreshing them
// from the JWKS URL on expiry and prefetching in the background once a cached
// document passes half of its lifetime.
type RemoteKeySet struct {
	url    string
	client *http.Client
	logger Logger
	now    func() time.Time

	refreshInterval time.Duration
	fetchTimeout    time.Duration
	prefetching     bool

	mu        sync.RWMutex
	keys      map[string]jose.JSONWebKey
	staleAt   time.Time
	preloadAt time.Time

	fetchMu    sync.Mutex
	inPrefetch atomic.Bool
}

// KeySetOption customises RemoteKeySet behaviour.
type KeySetOption func(*RemoteKeySet)

// NewRemoteKeySet constructs a key set backed by the given JWKS URL.
func NewRemoteKeySet(url string, opts ...KeySetOption) *RemoteKeySet {
	ks := &RemoteKeySet{
		url:             url,
		client:          &http.Client{Timeout: 10 * time.Second},
		logger:          log.Default(),
		now:             time.Now,
		refreshInterval: defaultKeySetRefreshInterval,
		fetchTimeout:    defaultKeySetFetchTimeout,
		prefetching:     true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ks)
		}
	}
	return ks
}

// WithKeySetClient overrides the HTTP client used for JWKS fetches.
func WithKeySetClient(client *http.Client) KeySetOption {
	return func(ks *RemoteKeySet) {
		if client != nil {
			ks.client = client
		}
	}
}

// WithKeySetLogger sets a custom logger for key set operations.
func WithKeySetLogger(logger Logger) KeySetOption {
	return func(ks *RemoteKeySet) {
		if logger != nil {
			ks.logger = logger
		}
	}
}

// WithKeySetRefreshInterval overrides the fallback document lifetime used
// when the JWKS response carries no cache headers.
func WithKeySetRefreshInterval(d time.Duration) KeySetOption {
	return func(ks *RemoteKeySet) {
		if d > 0 {
			ks.refreshInterval = d
		}
	}
}

// WithKeySetFetchTimeout bounds a single JWKS fetch.
func WithKeySetFetchTimeout(d time.Duration) KeySetOption {
	return func(ks *RemoteKeySet) {
		if d > 0 {
			ks.fetchTimeout = d
		}
	}
}

// WithKeySetClock injects a custom time source, primarily for tests.
func WithKeySetClock(now func() time.Time) KeySetOption {
	return func(ks *RemoteKeySet) {
		if now != nil {
			ks.now = now
		}
	}
}

// WithoutKeySetPrefetch disables background prefetching.
func WithoutKeySetPrefetch() KeySetOption {
	return func(ks *RemoteKeySet) {
		ks.prefetching = false
	}
}

// Keyfunc returns a jwt.Keyfunc that resolves RS256 keys from the set.
func (ks *RemoteKeySet) Keyfunc(ctx context.Context) jwt.Keyfunc {
	if ctx == nil {
		ctx = context.Background()
	}
	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("auth: token missing kid header")
		}
		if token.Method == nil || token.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, fmt.Errorf("auth: unexpected signing method %v", token.Method)
		}
		return ks.Key(ctx, kid)
	}
}

// Key resolves the public key for kid, refreshing the set when stale or when
// the kid is unknown (key rotation).
func (ks *RemoteKeySet) Key(ctx context.Context, kid string) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	now := ks.now()
	if ks.stale(now) {
		if err := ks.fetch(ctx); err != nil {
			return nil, err
		}
	}

	if key, ok := ks.lookup(kid); ok {
		if ks.shouldPreload(now) {
			ks.preloadAsync()
		}
		return key, nil
	}

	if err := ks.fetch(ctx); err != nil {
		return nil, err
	}
	if key, ok := ks.lookup(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrSigningKeyNotFound, kid)
}

func (ks *RemoteKeySet) lookup(kid string) (any, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	jwk, ok := ks.keys[kid]
	if !ok {
		return nil, false
	}
	return jwk.Key, true
}

func (ks *RemoteKeySet) stale(now time.Time) bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if len(ks.keys) == 0 {
		return true
	}
	if ks.staleAt.IsZero() {
		return false
	}
	return !now.Before(ks.staleAt)
}

func (ks *RemoteKeySet) shouldPreload(now time.Time) bool {
	if !ks.prefetching {
		return false
	}
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if ks.preloadAt.IsZero() || ks.staleAt.IsZero() || now.After(ks.staleAt) {
		return false
	}
	return !now.Before(ks.preloadAt)
}

func (ks *RemoteKeySet) preloadAsync() {
	if !ks.inPrefetch.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer ks.inPrefetch.Store(false)
		if err := ks.fetch(context.Background()); err != nil && ks.logger != nil {
			ks.logger.Printf("auth: key set prefetch failed: %v", err)
		}
	}()
}

func (ks *RemoteKeySet) fetch(ctx context.Context) error {
	ks.fetchMu.Lock()
	defer ks.fetchMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if ks.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ks.fetchTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ks.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeySetUnavailable, err)
	}
	resp, err := ks.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeySetUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d", ErrKeySetUnavailable, resp.StatusCode)
	}

	var doc jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("%w: decode jwks: %v", ErrKeySetUnavailable, err)
	}

	keys := make(map[string]jose.JSONWebKey, len(doc.Keys))
	for _, jwk := range doc.Keys {
		if jwk.KeyID == "" || !jwk.Valid() {
			continue
		}
		keys[jwk.KeyID] = jwk
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: empty key set", ErrKeySetUnavailable)
	}

	lifetime := ks.refreshInterval
	if maxAge := cacheMaxAge(resp.Header.Get("Cache-Control")); maxAge > 0 {
		lifetime = maxAge
	}

	now := ks.now()
	ks.mu.Lock()
	ks.keys = keys
	ks.staleAt = now.Add(lifetime)
	ks.preloadAt = now.Add(lifetime / 2)
	ks.mu.Unlock()

	if ks.logger != nil {
		ks.logger.Printf("auth: refreshed key set (%d keys, valid for %s)", len(keys), lifetime)
	}
	return nil
}

func cacheMaxAge(header string) time.Duration {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(strings.ToLower(part))
		if !strings.HasPrefix(part, "max-age=") {
			continue
		}
		if seconds, err := strconv.ParseInt(part[len("max-age="):], 10, 64); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}

// IDTokenVerifier validates Google-signed OIDC/IAP ID tokens presented by
// back-office services calling the internal reconciliation surface.
type IDTokenVerifier struct {
	keys    *RemoteKeySet
	logger  Logger
	metrics MetricsRecorder
	now     func() time.Time
}

// IDTokenOption customises the verifier.
type IDTokenOption func(*IDTokenVerifier)

// NewIDTokenVerifier constructs an IDTokenVerifier over the given key set.
func NewIDTokenVerifier(keys *RemoteKeySet, opts ...IDTokenOption) *IDTokenVerifier {
	v := &IDTokenVerifier{
		keys:   keys,
		logger: log.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// WithIDTokenLogger overrides the verifier logger.
func WithIDTokenLogger(logger Logger) IDTokenOption {
	return func(v *IDTokenVerifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithIDTokenMetrics sets the metrics recorder.
func WithIDTokenMetrics(recorder MetricsRecorder) IDTokenOption {
	return func(v *IDTokenVerifier) {
		v.metrics = recorder
	}
}

// WithIDTokenClock injects a custom clock, primarily for tests.
func WithIDTokenClock(now func() time.Time) IDTokenOption {
	return func(v *IDTokenVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// ServiceCaller identifies the authenticated service principal behind an
// internal request.
type ServiceCaller struct {
	Subject  string
	Email    string
	Issuer   string
	Audience string
	Claims   map[string]any
}

type serviceCallerContextKey struct{}

// WithServiceCaller attaches the verified caller to the request context.
func WithServiceCaller(ctx context.Context, caller *ServiceCaller) context.Context {
	if caller == nil {
		return ctx
	}
	return context.WithValue(ctx, serviceCallerContextKey{}, caller)
}

// ServiceCallerFromContext retrieves the caller stored by the middleware.
func ServiceCallerFromContext(ctx context.Context) (*ServiceCaller, bool) {
	caller, ok := ctx.Value(serviceCallerContextKey{}).(*ServiceCaller)
	if !ok || caller == nil {
		return nil, false
	}
	return caller, true
}

// tokenFailure carries a verification rejection to the HTTP layer.
type tokenFailure struct {
	status  int
	code    string
	reason  string
	message string
}

// RequireIDToken enforces a valid Google-signed ID token with the expected
// audience and one of the allowed issuers.
func (v *IDTokenVerifier) RequireIDToken(audience string, issuers []string) func(http.Handler) http.Handler {
	expectedAudience := strings.TrimSpace(audience)
	allowedIssuers := make(map[string]struct{}, len(issuers))
	for _, issuer := range issuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			allowedIssuers[issuer] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			ctx := r.Context()

			caller, fail := v.verify(ctx, r, expectedAudience, allowedIssuers)
			if fail != nil {
				v.record(ctx, false, fail.reason, start)
				respondAuthError(w, fail.status, fail.code, fail.message)
				return
			}

			v.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithServiceCaller(ctx, caller)))
		})
	}
}

func (v *IDTokenVerifier) verify(ctx context.Context, r *http.Request, audience string, issuers map[string]struct{}) (*ServiceCaller, *tokenFailure) {
	if audience == "" {
		return nil, &tokenFailure{http.StatusServiceUnavailable, "verification_unavailable", "audience_not_configured", "id token audience not configured"}
	}

	tokenStr := bearerOrAssertionToken(r)
	if tokenStr == "" {
		return nil, &tokenFailure{http.StatusUnauthorized, "unauthenticated", "token_missing", "id token missing"}
	}
	if v == nil || v.keys == nil {
		return nil, &tokenFailure{http.StatusServiceUnavailable, "verification_unavailable", "keys_unavailable", "id token verification unavailable"}
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	claims := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(tokenStr, claims, v.keys.Keyfunc(ctx)); err != nil {
		if errors.Is(err, ErrKeySetUnavailable) {
			if v.logger != nil {
				v.logger.Printf("auth: id token key set fetch failed: %v", err)
			}
			return nil, &tokenFailure{http.StatusServiceUnavailable, "invalid_token", "jwks_unavailable", "id token verification failed"}
		}
		if v.logger != nil {
			v.logger.Printf("auth: id token rejected: %v", err)
		}
		return nil, &tokenFailure{http.StatusUnauthorized, "invalid_token", "token_invalid", "id token verification failed"}
	}

	issuer, _ := claims["iss"].(string)
	if len(issuers) > 0 {
		if _, ok := issuers[issuer]; !ok {
			if v.logger != nil {
				v.logger.Printf("auth: id token issuer mismatch, got %q", issuer)
			}
			return nil, &tokenFailure{http.StatusUnauthorized, "invalid_token", "issuer_mismatch", "id token issuer mismatch"}
		}
	}

	if !containsString(audienceClaim(claims), audience) {
		if v.logger != nil {
			v.logger.Printf("auth: id token audience mismatch, expected %q", audience)
		}
		return nil, &tokenFailure{http.StatusUnauthorized, "invalid_token", "audience_mismatch", "id token audience mismatch"}
	}

	email, _ := claims["email"].(string)
	subject, _ := claims["sub"].(string)
	cloned := make(map[string]any, len(claims))
	for key, value := range claims {
		cloned[key] = value
	}

	return &ServiceCaller{
		Subject:  subject,
		Email:    email,
		Issuer:   issuer,
		Audience: audience,
		Claims:   cloned,
	}, nil
}

func (v *IDTokenVerifier) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v == nil || v.metrics == nil {
		return
	}
	v.metrics.RecordVerification(ctx, "oidc", success, reason, v.now().Sub(start))
}

// bearerOrAssertionToken pulls the ID token from the Authorization header or,
// failing that, the IAP assertion header.
func bearerOrAssertionToken(r *http.Request) string {
	if r == nil {
		return ""
	}
	if bearer, ok := extractBearerToken(r.Header.Get("Authorization")); ok {
		return bearer
	}
	return strings.TrimSpace(r.Header.Get("X-Goog-Iap-Jwt-Assertion"))
}

func audienceClaim(claims jwt.MapClaims) []string {
	switch aud := claims["aud"].(type) {
	case string:
		return []string{strings.TrimSpace(aud)}
	case []string:
		out := make([]string, 0, len(aud))
		for _, item := range aud {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		return out
	case []any:
		out := make([]string, 0, len(aud))
		for _, item := range aud {
			str, ok := item.(string)
			if !ok {
				continue
			}
			if str = strings.TrimSpace(str); str != "" {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
