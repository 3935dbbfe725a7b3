// Package source implements the upstream adapters. Each adapter fetches one
// upstream resource and returns its records in their native shape; it never
// retries and never builds Event values itself.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"sortir/internal/config"
	"sortir/internal/fetch"
	"sortir/internal/model"
)

// ErrMissingCredentials is wrapped by FetchError when a source requires a
// token that is not available.
var ErrMissingCredentials = errors.New("missing credentials")

// Adapter fetches one upstream resource.
type Adapter interface {
	Name() string
	FetchRaw(ctx context.Context) ([]model.RawRecord, error)
}

// FetchError is the adapter-level failure: network, HTTP status, payload
// parsing or credentials. It always names the failing source.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("source %s: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError wraps err for source name. An existing FetchError is
// returned unchanged.
func NewFetchError(name string, err error) error {
	if err == nil {
		return nil
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return err
	}
	return &FetchError{Source: name, Err: err}
}

type windowKey struct{}

// WithWindow attaches the aggregation window of the current run to ctx.
// Adapters that expand recurrences use it to bound their expansion.
func WithWindow(ctx context.Context, w model.Window) context.Context {
	return context.WithValue(ctx, windowKey{}, w)
}

// WindowFromContext returns the window set by WithWindow.
func WindowFromContext(ctx context.Context) (model.Window, bool) {
	w, ok := ctx.Value(windowKey{}).(model.Window)
	if !ok || w.End.IsZero() {
		return model.Window{}, false
	}
	return w, true
}

// Deps are the collaborators shared by adapters built from config.
type Deps struct {
	Fetcher  *fetch.Fetcher
	Renderer Renderer
	// HorizonDays bounds iCalendar recurrence expansion when the run
	// carries no window.
	HorizonDays int
	// Now is used for the expansion window; defaults to time.Now.
	Now func() time.Time
}

// New builds the adapter described by cfg.
func New(cfg config.SourceConfig, deps Deps) (Adapter, error) {
	if deps.Fetcher == nil {
		deps.Fetcher = fetch.New(nil, "", "")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	switch cfg.Type {
	case config.TypeJSON:
		return NewJSONAdapter(cfg, deps.Fetcher.UserAgent()), nil
	case config.TypeRSS:
		return NewRSSAdapter(cfg, deps.Fetcher), nil
	case config.TypeICS:
		return NewICSAdapter(cfg, deps.Fetcher, deps.HorizonDays, deps.Now), nil
	case config.TypeHTML:
		return NewHTMLAdapter(cfg, deps.Fetcher, deps.Renderer), nil
	default:
		return nil, fmt.Errorf("unknown source type: %s", cfg.Type)
	}
}

// token resolves the credential named by cfg.TokenEnv.
func token(cfg config.SourceConfig) (string, error) {
	if cfg.TokenEnv == "" {
		return "", nil
	}
	v := strings.TrimSpace(os.Getenv(cfg.TokenEnv))
	if v == "" {
		return "", fmt.Errorf("%w: environment variable %s is empty", ErrMissingCredentials, cfg.TokenEnv)
	}
	return v, nil
}

// requestHeaders returns the configured headers plus a bearer token when
// the token is not sent as a query parameter.
func requestHeaders(cfg config.SourceConfig, tok string) map[string]string {
	h := make(map[string]string, len(cfg.Headers)+1)
	for k, v := range cfg.Headers {
		h[k] = v
	}
	if tok != "" && cfg.TokenParam == "" {
		h["Authorization"] = "Bearer " + tok
	}
	return h
}

// withTokenParam appends the token as a query parameter when configured.
func withTokenParam(rawURL string, cfg config.SourceConfig, tok string) string {
	if tok == "" || cfg.TokenParam == "" {
		return rawURL
	}
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + url.QueryEscape(cfg.TokenParam) + "=" + url.QueryEscape(tok)
}
