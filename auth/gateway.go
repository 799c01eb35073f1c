package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/goliatone/go-swr-cache/clock"
)

// ErrAuthFailed is returned when no usable session exists or a refresh fails.
var ErrAuthFailed = errors.New("auth: authentication failed")

// AnonymousUser identifies requests made without a session.
const AnonymousUser = "anon"

// Session is the credential set issued by the auth provider.
type Session struct {
	AccessToken  string
	RefreshToken string
	UserID       string
	// ExpiresAt is optional; the token's exp claim is used when zero.
	ExpiresAt time.Time
}

// Provider is the external authentication provider.
type Provider interface {
	// Session returns the current session, or nil when signed out.
	Session(ctx context.Context) (*Session, error)
	// RefreshSession exchanges the refresh token for a new session.
	RefreshSession(ctx context.Context) (*Session, error)
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithClock sets the clock that bounds refreshes and evaluates token expiry.
func WithClock(c clock.Clock) Option {
	return func(g *Gateway) {
		if c != nil {
			g.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// Gateway produces authorization headers and coalesces token refreshes.
type Gateway struct {
	provider Provider
	cfg      Config
	clock    clock.Clock
	logger   *slog.Logger
	parser   *jwt.Parser

	group     singleflight.Group
	refreshes atomic.Int64
	waiting   atomic.Int32
}

// NewGateway validates cfg and wraps provider.
func NewGateway(provider Provider, cfg Config, opts ...Option) (*Gateway, error) {
	if provider == nil {
		return nil, errors.New("auth: provider is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &Gateway{
		provider: provider,
		cfg:      cfg,
		clock:    clock.New(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		parser:   jwt.NewParser(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// AuthHeaders returns the Authorization header for the current session, plus
// the apikey header when configured. A token about to expire is refreshed
// first.
func (g *Gateway) AuthHeaders(ctx context.Context) (http.Header, error) {
	session, err := g.session(ctx)
	if err != nil {
		return nil, err
	}

	if exp := g.expiry(session); !exp.IsZero() && exp.Sub(g.clock.Now()) <= g.cfg.RefreshSkew {
		if err := g.Refresh(ctx); err != nil {
			if !g.clock.Now().Before(exp) {
				return nil, err
			}
			g.logger.Warn("token refresh ahead of expiry failed", "error", err)
		} else if refreshed, err := g.session(ctx); err == nil {
			session = refreshed
		}
	}

	h := make(http.Header)
	h.Set("Authorization", "Bearer "+session.AccessToken)
	if g.cfg.APIKey != "" {
		h.Set("apikey", g.cfg.APIKey)
	}
	return h, nil
}

// Refresh runs at most one provider refresh at a time; concurrent callers
// share its result. The refresh is bounded by Config.RefreshTimeout and
// outlives callers that give up early.
func (g *Gateway) Refresh(ctx context.Context) error {
	ch := g.group.DoChan("refresh", func() (any, error) {
		return nil, g.refresh(context.WithoutCancel(ctx))
	})
	g.waiting.Add(1)
	defer g.waiting.Add(-1)

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) refresh(ctx context.Context) error {
	g.refreshes.Add(1)

	rctx, cancel := clock.WithTimeout(ctx, g.clock, g.cfg.RefreshTimeout)
	defer cancel()

	type result struct {
		session *Session
		err     error
	}
	done := make(chan result, 1)
	go func() {
		s, err := g.provider.RefreshSession(rctx)
		done <- result{session: s, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			g.logger.Warn("token refresh failed", "error", res.err)
			return fmt.Errorf("%w: %w", ErrAuthFailed, res.err)
		}
		if res.session == nil || res.session.AccessToken == "" {
			g.logger.Warn("token refresh returned no session")
			return fmt.Errorf("%w: refresh returned no session", ErrAuthFailed)
		}
		g.logger.Debug("token refreshed", "user", g.userOf(res.session))
		return nil
	case <-rctx.Done():
		cause := context.Cause(rctx)
		g.logger.Warn("token refresh timed out", "timeout", g.cfg.RefreshTimeout)
		return fmt.Errorf("%w: %w", ErrAuthFailed, cause)
	}
}

// Refreshes returns how many provider refreshes have run.
func (g *Gateway) Refreshes() int64 {
	return g.refreshes.Load()
}

// UserID returns the session user, the token's sub claim, or AnonymousUser.
func (g *Gateway) UserID(ctx context.Context) string {
	session, err := g.provider.Session(ctx)
	if err != nil || session == nil {
		return AnonymousUser
	}
	return g.userOf(session)
}

func (g *Gateway) session(ctx context.Context) (*Session, error) {
	session, err := g.provider.Session(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	if session == nil || strings.TrimSpace(session.AccessToken) == "" {
		return nil, fmt.Errorf("%w: no session", ErrAuthFailed)
	}
	return session, nil
}

func (g *Gateway) userOf(s *Session) string {
	if s.UserID != "" {
		return s.UserID
	}
	if claims, ok := g.claims(s.AccessToken); ok && claims.Subject != "" {
		return claims.Subject
	}
	return AnonymousUser
}

func (g *Gateway) expiry(s *Session) time.Time {
	if !s.ExpiresAt.IsZero() {
		return s.ExpiresAt
	}
	if claims, ok := g.claims(s.AccessToken); ok && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	return time.Time{}
}

// claims reads the token without verifying it; the backend verifies.
func (g *Gateway) claims(token string) (*jwt.RegisteredClaims, bool) {
	if strings.Count(token, ".") != 2 {
		return nil, false
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := g.parser.ParseUnverified(token, claims); err != nil {
		return nil, false
	}
	return claims, true
}
