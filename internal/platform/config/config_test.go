package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(context.Background(),
		WithEnvMap(map[string]string{"API_FIREBASE_PROJECT_ID": "cobalt-dev"}),
		WithoutSystemEnv(),
		WithEnvFile(""),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	stringChecks := map[string][2]string{
		"Server.Port":              {cfg.Server.Port, "8080"},
		"Firestore.ProjectID":      {cfg.Firestore.ProjectID, "cobalt-dev"},
		"PubSub.ProjectID":         {cfg.PubSub.ProjectID, "cobalt-dev"},
		"PubSub.OrderEventsTopic":  {cfg.PubSub.OrderEventsTopic, "order-events"},
		"Orders.DefaultCurrency":   {cfg.Orders.DefaultCurrency, "USD"},
		"Security.Environment":     {cfg.Security.Environment, "local"},
		"Security.OIDC.JWKSURL":    {cfg.Security.OIDC.JWKSURL, defaultOIDCJWKSURL},
		"HMAC.SignatureHeader":     {cfg.Security.HMAC.SignatureHeader, defaultHMACSignatureHeader},
		"Idempotency.Header":       {cfg.Idempotency.Header, defaultIdempotencyHeader},
	}
	for field, pair := range stringChecks {
		if pair[0] != pair[1] {
			t.Errorf("%s = %q, want %q", field, pair[0], pair[1])
		}
	}

	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %s, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Orders.MaxItems != 999 {
		t.Errorf("Orders.MaxItems = %d, want 999", cfg.Orders.MaxItems)
	}
	if cfg.RateLimits.DefaultPerMinute != 120 {
		t.Errorf("RateLimits.DefaultPerMinute = %d, want 120", cfg.RateLimits.DefaultPerMinute)
	}
	if !cfg.Features.EnablePromotions || !cfg.Features.EnableManualPayments {
		t.Errorf("feature flags should default on: %+v", cfg.Features)
	}
	if len(cfg.Security.OIDC.Issuers) != 2 {
		t.Errorf("OIDC.Issuers = %v, want the two Google defaults", cfg.Security.OIDC.Issuers)
	}
	if cfg.Idempotency.TTL != defaultIdempotencyTTL ||
		cfg.Idempotency.CleanupInterval != defaultIdempotencyInterval ||
		cfg.Idempotency.CleanupBatchSize != defaultIdempotencyBatchSize {
		t.Errorf("unexpected idempotency defaults: %+v", cfg.Idempotency)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"API_SERVER_PORT":                    "9090",
		"API_SERVER_READ_TIMEOUT":            "20s",
		"API_SERVER_WRITE_TIMEOUT":           "25s",
		"API_SERVER_IDLE_TIMEOUT":            "2m",
		"API_FIREBASE_PROJECT_ID":            "cobalt-prod",
		"API_FIRESTORE_PROJECT_ID":           "cobalt-fire",
		"API_PUBSUB_PROJECT_ID":              "cobalt-events",
		"API_PUBSUB_ORDER_EVENTS_TOPIC":      "order-events-prod",
		"API_PSP_STRIPE_API_KEY":             "secret://stripe/api",
		"API_PSP_STRIPE_WEBHOOK_SECRET":      "secret://stripe/webhook",
		"API_ORDERS_MAX_ITEMS":               "50",
		"API_ORDERS_DEFAULT_CURRENCY":        "eur",
		"API_RATELIMIT_DEFAULT_PER_MIN":      "150",
		"API_RATELIMIT_AUTH_PER_MIN":         "300",
		"API_RATELIMIT_WEBHOOK_BURST":        "80",
		"API_FEATURE_PROMOTIONS":             "false",
		"API_FEATURE_MANUAL_PAYMENTS":        "false",
		"API_SECURITY_ENVIRONMENT":           "prod",
		"API_SECURITY_OIDC_AUDIENCE":         "https://service.example.com",
		"API_SECURITY_OIDC_ISSUERS":          "https://accounts.google.com, https://cloud.google.com/iap",
		"API_SECURITY_OIDC_JWKS_URL":         "https://example.com/jwks.json",
		"API_SECURITY_HMAC_SECRETS":          "payments/stripe=secret://hmac/stripe,shipping=shipping-secret",
		"API_SECURITY_HMAC_HEADER_SIGNATURE": "X-Custom-Signature",
		"API_SECURITY_HMAC_CLOCK_SKEW":       "3m",
		"API_SECURITY_HMAC_NONCE_TTL":        "10m",
		"API_IDEMPOTENCY_HEADER":             "X-Idem-Key",
		"API_IDEMPOTENCY_TTL":                "48h",
		"API_IDEMPOTENCY_CLEANUP_INTERVAL":   "30m",
		"API_IDEMPOTENCY_CLEANUP_BATCH":      "500",
	}

	vault := map[string]string{
		"secret://stripe/api":     "stripe-key",
		"secret://stripe/webhook": "stripe-webhook",
		"secret://hmac/stripe":    "stripe-hmac",
	}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := vault[ref]; ok {
			return v, nil
		}
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	stringChecks := map[string][2]string{
		"Server.Port":              {cfg.Server.Port, "9090"},
		"PubSub.ProjectID":         {cfg.PubSub.ProjectID, "cobalt-events"},
		"PubSub.OrderEventsTopic":  {cfg.PubSub.OrderEventsTopic, "order-events-prod"},
		"PSP.StripeAPIKey":         {cfg.PSP.StripeAPIKey, "stripe-key"},
		"PSP.StripeWebhookSecret":  {cfg.PSP.StripeWebhookSecret, "stripe-webhook"},
		"Orders.DefaultCurrency":   {cfg.Orders.DefaultCurrency, "EUR"},
		"Security.Environment":     {cfg.Security.Environment, "prod"},
		"OIDC.Audience":            {cfg.Security.OIDC.Audience, "https://service.example.com"},
		"OIDC.JWKSURL":             {cfg.Security.OIDC.JWKSURL, "https://example.com/jwks.json"},
		"HMAC.Secrets[payments]":   {cfg.Security.HMAC.Secrets["payments/stripe"], "stripe-hmac"},
		"HMAC.Secrets[shipping]":   {cfg.Security.HMAC.Secrets["shipping"], "shipping-secret"},
		"HMAC.SignatureHeader":     {cfg.Security.HMAC.SignatureHeader, "X-Custom-Signature"},
		"Idempotency.Header":       {cfg.Idempotency.Header, "X-Idem-Key"},
	}
	for field, pair := range stringChecks {
		if pair[0] != pair[1] {
			t.Errorf("%s = %q, want %q", field, pair[0], pair[1])
		}
	}

	if cfg.Server.IdleTimeout != 2*time.Minute {
		t.Errorf("Server.IdleTimeout = %s, want 2m", cfg.Server.IdleTimeout)
	}
	if cfg.Orders.MaxItems != 50 {
		t.Errorf("Orders.MaxItems = %d, want 50", cfg.Orders.MaxItems)
	}
	if cfg.Features.EnablePromotions || cfg.Features.EnableManualPayments {
		t.Errorf("feature flags should be disabled: %+v", cfg.Features)
	}
	if cfg.Security.HMAC.ClockSkew != 3*time.Minute || cfg.Security.HMAC.NonceTTL != 10*time.Minute {
		t.Errorf("unexpected HMAC timing: %+v", cfg.Security.HMAC)
	}
	if cfg.Idempotency.TTL != 48*time.Hour ||
		cfg.Idempotency.CleanupInterval != 30*time.Minute ||
		cfg.Idempotency.CleanupBatchSize != 500 {
		t.Errorf("unexpected idempotency overrides: %+v", cfg.Idempotency)
	}
}

func TestLoadDotEnvFallback(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env.test")
	content := "API_SERVER_PORT=7070\nAPI_FIREBASE_PROJECT_ID=cobalt-dot\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write dotenv file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "7070" {
		t.Errorf("Server.Port = %s, want 7070 from dotenv", cfg.Server.Port)
	}
	if cfg.Firebase.ProjectID != "cobalt-dot" {
		t.Errorf("Firebase.ProjectID = %s, want cobalt-dot from dotenv", cfg.Firebase.ProjectID)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(map[string]string{}), WithoutSystemEnv(), WithEnvFile(""))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %T (%v)", err, err)
	}
}

func TestLoadRejectsInvalidOrderSettings(t *testing.T) {
	_, err := Load(context.Background(),
		WithEnvMap(map[string]string{
			"API_FIREBASE_PROJECT_ID":     "cobalt-dev",
			"API_ORDERS_DEFAULT_CURRENCY": "DOLLARS",
		}),
		WithoutSystemEnv(),
		WithEnvFile(""),
	)
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %T (%v)", err, err)
	}
	if fields := validation.Fields(); len(fields) != 1 || fields[0] != "Orders.DefaultCurrency" {
		t.Fatalf("unexpected invalid fields %v", fields)
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	_, err := Load(context.Background(),
		WithEnvMap(map[string]string{
			"API_FIREBASE_PROJECT_ID": "cobalt-dev",
			"API_PSP_STRIPE_API_KEY":  "secret://missing",
		}),
		WithoutSystemEnv(),
		WithEnvFile(""),
	)
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %T (%v)", err, err)
	}
	if secretErr.Ref != "secret://missing" {
		t.Errorf("SecretError.Ref = %s, want secret://missing", secretErr.Ref)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env.test")
	content := "API_FIREBASE_PROJECT_ID=dot-project\nAPI_SECRET_FALLBACK_FILE=.dot.local\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing env file: %v", err)
	}

	t.Setenv("API_FIREBASE_PROJECT_ID", "os-project")
	t.Setenv("API_SECRET_PROJECT_IDS", "prod=project-prod")

	values, err := EnvironmentValues(WithEnvFile(envPath), WithEnvMap(map[string]string{
		"API_FIREBASE_PROJECT_ID": "override-project",
		"API_SECRET_VERSION_PINS": "secret://stripe/api=5",
	}))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}

	want := map[string]string{
		"API_FIREBASE_PROJECT_ID":  "override-project",
		"API_SECRET_FALLBACK_FILE": ".dot.local",
		"API_SECRET_PROJECT_IDS":   "prod=project-prod",
		"API_SECRET_VERSION_PINS":  "secret://stripe/api=5",
	}
	for key, expected := range want {
		if got := values[key]; got != expected {
			t.Fatalf("%s = %q, want %q", key, got, expected)
		}
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	env := map[string]string{"API_FIREBASE_PROJECT_ID": "cobalt-dev"}

	_, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("PSP.StripeAPIKey"),
	)
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %T (%v)", err, err)
	}
	expectedRedacted := redactSecretName("PSP.StripeAPIKey")
	if got := missing.RedactedNames(); len(got) != 1 || got[0] != expectedRedacted {
		t.Fatalf("unexpected redacted names %v", got)
	}
}

func TestLoadMissingRequiredSecretsPanic(t *testing.T) {
	defer func() {
		rec := recover()
		missing, ok := rec.(*MissingSecretsError)
		if !ok {
			t.Fatalf("expected MissingSecretsError panic, got %T", rec)
		}
		if names := missing.Names(); len(names) != 1 || names[0] != "PSP.StripeAPIKey" {
			t.Fatalf("unexpected missing secrets %v", names)
		}
	}()

	Load(context.Background(),
		WithEnvMap(map[string]string{"API_FIREBASE_PROJECT_ID": "cobalt-dev"}),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("PSP.StripeAPIKey"),
		WithPanicOnMissingSecrets(),
	)
}

func TestLoadSupportsLegacySecretScheme(t *testing.T) {
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if ref == "secret://stripe/webhook" {
			return "legacy-secret", nil
		}
		return "", &SecretError{Ref: ref, Err: errors.New("not found")}
	})

	cfg, err := Load(context.Background(),
		WithEnvMap(map[string]string{
			"API_FIREBASE_PROJECT_ID":       "cobalt-dev",
			"API_PSP_STRIPE_WEBHOOK_SECRET": "sm://stripe/webhook",
		}),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithSecretResolver(resolver),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.PSP.StripeWebhookSecret != "legacy-secret" {
		t.Fatalf("StripeWebhookSecret = %s, want legacy-secret", cfg.PSP.StripeWebhookSecret)
	}
}
