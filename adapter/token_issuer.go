package osd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// HTTPTokenIssuer calls the backend token endpoint: POST /token.
type HTTPTokenIssuer struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPTokenIssuer creates an issuer for endpoint. A nil client uses a 10s-timeout client.
func NewHTTPTokenIssuer(endpoint string, httpClient *http.Client, logger *zap.Logger) *HTTPTokenIssuer {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPTokenIssuer{
		endpoint:   endpoint,
		httpClient: httpClient,
		logger:     orNop(logger).Named("token_issuer"),
	}
}

type tokenResponse struct {
	Token       string          `json:"token"`
	AccessToken string          `json:"access_token"`
	ExpiresAt   json.RawMessage `json:"expiresAt"`
	ExpiresAtSC json.RawMessage `json:"expires_at"`
}

// IssueToken implements TokenIssuer
func (i *HTTPTokenIssuer) IssueToken(ctx context.Context, req TokenRequest) (*oauth2.Token, error) {
	if req.DeviceType == "" {
		req.DeviceType = DeviceType
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal token request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, i.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := i.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenIssuance, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrTokenIssuance, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrTokenIssuance, resp.StatusCode)
	}

	tok, err := parseTokenResponse(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenIssuance, err)
	}

	i.logger.Debug("Token issued",
		zap.String("function", "IssueToken"),
		zap.String("store_id", req.StoreID),
		zap.Int("token_length", len(tok.AccessToken)),
		zap.Time("expiry", tok.Expiry))
	return tok, nil
}

func parseTokenResponse(payload []byte) (*oauth2.Token, error) {
	var raw tokenResponse
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token response: %w", err)
	}

	access := raw.Token
	if access == "" {
		access = raw.AccessToken
	}
	if access == "" {
		return nil, fmt.Errorf("token missing from response")
	}

	expiresAt := raw.ExpiresAt
	if len(expiresAt) == 0 || string(expiresAt) == "null" {
		expiresAt = raw.ExpiresAtSC
	}
	expiry, err := parseExpiry(expiresAt)
	if err != nil {
		expiry, err = jwtExpiry(access)
		if err != nil {
			return nil, fmt.Errorf("no usable expiry: %w", err)
		}
	}

	return &oauth2.Token{
		AccessToken: access,
		TokenType:   "Bearer",
		Expiry:      expiry,
	}, nil
}

// parseExpiry accepts RFC 3339 strings, epoch seconds and epoch milliseconds.
func parseExpiry(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, fmt.Errorf("expiresAt missing")
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, nil
		}
		n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("unrecognised expiresAt %q", s)
		}
		return epochToTime(n), nil
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return time.Time{}, fmt.Errorf("unrecognised expiresAt %s", string(raw))
	}
	return epochToTime(n), nil
}

func epochToTime(n float64) time.Time {
	// values past 1e12 are milliseconds (year 33658 in seconds)
	if n > 1e12 {
		return time.UnixMilli(int64(n))
	}
	sec, frac := math.Modf(n)
	return time.Unix(int64(sec), int64(frac*1e9))
}

func jwtExpiry(access string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(access, claims); err != nil {
		return time.Time{}, fmt.Errorf("token is not a JWT: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if exp == nil {
		return time.Time{}, fmt.Errorf("JWT has no exp claim")
	}
	return exp.Time, nil
}
