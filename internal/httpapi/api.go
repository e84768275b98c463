// Package httpapi exposes the credential engine over JSON/HTTP and a gRPC
// health endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"qazna.org/warden/internal/auth"
	"qazna.org/warden/internal/obs"
)

// Engine is the subset of *auth.Service the transport calls.
type Engine interface {
	Register(ctx context.Context, req auth.RegisterRequest, meta auth.RequestMeta) (auth.RegisterResponse, error)
	Login(ctx context.Context, req auth.LoginRequest, meta auth.RequestMeta) (auth.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string, meta auth.RequestMeta) (auth.TokenPair, error)
	Logout(ctx context.Context, refreshToken string, meta auth.RequestMeta) error
	Authenticate(raw string) (*auth.AccessClaims, error)
	Authorize(ctx context.Context, subjectID, key string) auth.Decision

	SetupTwoFactor(ctx context.Context, accountID string, meta auth.RequestMeta) (auth.TwoFactorSetup, error)
	VerifyTwoFactor(ctx context.Context, accountID, code, backupCode string, meta auth.RequestMeta) error
	DisableTwoFactor(ctx context.Context, accountID, password, code, backupCode string, meta auth.RequestMeta) error
	RegenerateBackupCodes(ctx context.Context, accountID, password string, meta auth.RequestMeta) ([]string, error)

	Catalog() *auth.Catalog
	SecurityEvents(ctx context.Context, accountID string, limit int) ([]auth.SecurityEvent, error)
	Ping(ctx context.Context) error
}

var _ Engine = (*auth.Service)(nil)

// API is the HTTP layer.
type API struct {
	mux     *http.ServeMux
	engine  Engine
	log     zerolog.Logger
	limiter *RateLimiter
	version string
}

// Option configures API.
type Option func(*API)

func WithLogger(l zerolog.Logger) Option {
	return func(a *API) { a.log = l }
}

// WithRateLimit applies a per-IP token bucket to credential endpoints.
// A non-positive rate disables limiting.
func WithRateLimit(perSecond, burst int) Option {
	return func(a *API) {
		if perSecond > 0 {
			a.limiter = NewRateLimiter(perSecond, burst)
		}
	}
}

func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

func New(engine Engine, opts ...Option) *API {
	a := &API{
		mux:     http.NewServeMux(),
		engine:  engine,
		log:     zerolog.Nop(),
		version: "dev",
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("GET /healthz", a.healthz)
	a.mux.HandleFunc("GET /readyz", a.ready)
	a.mux.HandleFunc("GET /v1/info", a.info)
	a.mux.Handle("GET /metrics", obs.Handler())
	for _, rt := range routes {
		a.mux.Handle(rt.method+" "+rt.path, a.guard(rt))
	}
	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = SecurityHeaders(h)
	h = Logging(a.log)(h)
	h = obs.Instrument(h)
	return RequestID(h)
}

func (a *API) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.engine.Ping(ctx); err != nil {
		obs.SetReady(false)
		a.log.Warn().Err(err).Msg("readiness probe failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) info(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// requestMeta captures caller details for the audit trail.
func requestMeta(r *http.Request) auth.RequestMeta {
	return auth.RequestMeta{IP: clientIP(r), UserAgent: r.UserAgent()}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
