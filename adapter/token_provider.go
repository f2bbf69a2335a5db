package osd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const tokenFilename = "osd_token.json"

// IsExpired reports whether tok can no longer be presented to the server.
func IsExpired(tok *oauth2.Token, now time.Time) bool {
	if tok == nil || tok.AccessToken == "" {
		return true
	}
	if tok.Expiry.IsZero() {
		return false
	}
	return !now.Before(tok.Expiry)
}

// IsStale reports whether tok is within threshold of its expiry (or expired).
func IsStale(tok *oauth2.Token, threshold time.Duration, now time.Time) bool {
	if IsExpired(tok, now) {
		return true
	}
	if tok.Expiry.IsZero() {
		return false
	}
	return tok.Expiry.Sub(now) <= threshold
}

// TokenProvider obtains and caches the socket credential. Memory first, then the
// durable store, then the issuer.
type TokenProvider struct {
	issuer     TokenIssuer
	storage    TokenStorage
	staleAfter time.Duration
	now        func() time.Time
	logger     *zap.Logger

	mu      sync.Mutex
	current *StoredToken
	// bumped by ClearToken; REST sources drop their reused token when it moves
	epoch uint64
}

// NewTokenProvider wires an issuer and durable storage. staleThreshold is the
// remaining validity below which a cached credential is refreshed.
func NewTokenProvider(issuer TokenIssuer, storage TokenStorage, staleThreshold time.Duration, logger *zap.Logger) *TokenProvider {
	return &TokenProvider{
		issuer:     issuer,
		storage:    storage,
		staleAfter: staleThreshold,
		now:        time.Now,
		logger:     orNop(logger).Named("tokens"),
	}
}

// GetToken returns a usable credential for req. With forceRefresh false a cached,
// non-stale credential is returned without contacting the issuer. When issuance
// fails, a cached credential that is stale but not expired is returned instead.
func (p *TokenProvider) GetToken(ctx context.Context, req TokenRequest, forceRefresh bool) (*oauth2.Token, error) {
	if req.DeviceType == "" {
		req.DeviceType = DeviceType
	}
	key := req.cacheKey()
	now := p.now()

	cached := p.cached(key)
	if cached != nil && !forceRefresh && !IsStale(cached, p.staleAfter, now) {
		return cached, nil
	}

	tok, err := p.issuer.IssueToken(ctx, req)
	if err == nil && IsExpired(tok, p.now()) {
		err = fmt.Errorf("%w: issuer returned an expired credential", ErrTokenIssuance)
	}
	if err != nil {
		if cached != nil && !IsExpired(cached, p.now()) {
			p.logger.Warn("Token issuance failed, using cached credential",
				zap.String("function", "GetToken"),
				zap.Time("expiry", cached.Expiry),
				zap.Error(err))
			return cached, nil
		}
		p.logger.Error("Token issuance failed and no usable cached credential",
			zap.String("function", "GetToken"),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrNoUsableCredential, err)
	}

	p.store(key, tok)
	p.logger.Info("Credential refreshed",
		zap.String("function", "GetToken"),
		zap.Bool("forced", forceRefresh),
		zap.Time("expiry", tok.Expiry))
	return tok, nil
}

// ClearToken drops the cached credential from memory and durable storage.
func (p *TokenProvider) ClearToken() error {
	p.mu.Lock()
	p.current = nil
	p.epoch++
	p.mu.Unlock()

	if err := p.storage.DeleteToken(tokenFilename); err != nil {
		return fmt.Errorf("failed to clear token: %w", err)
	}
	p.logger.Info("Credential cleared", zap.String("function", "ClearToken"))
	return nil
}

// TokenSource adapts the provider to oauth2 for REST calls. The returned source
// reuses a token until it nears expiry or ClearToken is called.
func (p *TokenProvider) TokenSource(ctx context.Context, req TokenRequest) oauth2.TokenSource {
	return &clearableSource{base: providerSource{ctx: ctx, provider: p, req: req}}
}

func (p *TokenProvider) currentEpoch() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.epoch
}

type providerSource struct {
	ctx      context.Context
	provider *TokenProvider
	req      TokenRequest
}

func (s providerSource) Token() (*oauth2.Token, error) {
	return s.provider.GetToken(s.ctx, s.req, false)
}

type clearableSource struct {
	base providerSource

	mu     sync.Mutex
	epoch  uint64
	reused oauth2.TokenSource
}

func (s *clearableSource) Token() (*oauth2.Token, error) {
	epoch := s.base.provider.currentEpoch()

	s.mu.Lock()
	if s.reused == nil || s.epoch != epoch {
		// refresh one minute ahead so a request never leaves with a token about to die
		s.reused = oauth2.ReuseTokenSourceWithExpiry(nil, s.base, time.Minute)
		s.epoch = epoch
	}
	src := s.reused
	s.mu.Unlock()

	return src.Token()
}

func (p *TokenProvider) cached(key string) *oauth2.Token {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current == nil {
		stored, err := p.storage.LoadToken(tokenFilename)
		if err != nil {
			if !errors.Is(err, ErrTokenNotFound) {
				p.logger.Warn("Failed to load cached credential",
					zap.String("function", "cached"),
					zap.Error(err))
			}
			return nil
		}
		p.current = stored
	}
	if p.current.Key != key {
		return nil
	}
	return p.current.Token
}

func (p *TokenProvider) store(key string, tok *oauth2.Token) {
	stored := &StoredToken{Key: key, Token: tok}

	p.mu.Lock()
	p.current = stored
	p.mu.Unlock()

	if err := p.storage.SaveToken(tokenFilename, stored); err != nil {
		// the in-memory copy still serves this process
		p.logger.Warn("Unable to persist credential",
			zap.String("function", "store"),
			zap.Error(err))
	}
}
