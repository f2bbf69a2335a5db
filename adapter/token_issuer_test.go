package osd

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testTokenRequest = TokenRequest{
	StoreID:        "store-1",
	DeviceID:       "device-1",
	OrganizationID: "org-1",
}

func TestHTTPTokenIssuer_IssueToken(t *testing.T) {
	backend := newMockBackend()
	defer backend.Close()

	expiry := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	backend.respond(http.MethodPost, "/token", http.StatusOK, map[string]any{
		"token":     "opaque-credential",
		"expiresAt": expiry.Format(time.RFC3339),
	})

	issuer := NewHTTPTokenIssuer(backend.URL()+"/token", backend.client(), zaptest.NewLogger(t))
	tok, err := issuer.IssueToken(context.Background(), testTokenRequest)
	require.NoError(t, err)

	assert.Equal(t, "opaque-credential", tok.AccessToken)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.True(t, expiry.Equal(tok.Expiry))

	requests := backend.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, "application/json", requests[0].Headers["Content-Type"])

	var sent TokenRequest
	require.NoError(t, json.Unmarshal([]byte(requests[0].Body), &sent))
	assert.Equal(t, "store-1", sent.StoreID)
	assert.Equal(t, "device-1", sent.DeviceID)
	assert.Equal(t, "org-1", sent.OrganizationID)
	assert.Equal(t, DeviceType, sent.DeviceType)
}

func TestHTTPTokenIssuer_Failures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		raw    string
	}{
		{"server error", http.StatusInternalServerError, `{"message":"boom"}`},
		{"forbidden", http.StatusForbidden, `{}`},
		{"no token", http.StatusOK, `{"expiresAt":"2030-01-01T00:00:00Z"}`},
		{"not json", http.StatusOK, `<html>`},
		{"no expiry on opaque token", http.StatusOK, `{"token":"opaque"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newMockBackend()
			defer backend.Close()
			backend.respondRaw(http.MethodPost, "/token", tt.status, tt.raw)

			issuer := NewHTTPTokenIssuer(backend.URL()+"/token", backend.client(), nil)
			_, err := issuer.IssueToken(context.Background(), testTokenRequest)
			assert.ErrorIs(t, err, ErrTokenIssuance)
		})
	}
}

func TestHTTPTokenIssuer_Unreachable(t *testing.T) {
	backend := newMockBackend()
	url := backend.URL()
	backend.Close()

	issuer := NewHTTPTokenIssuer(url+"/token", nil, nil)
	_, err := issuer.IssueToken(context.Background(), testTokenRequest)
	assert.ErrorIs(t, err, ErrTokenIssuance)
}

func TestParseTokenResponse_JWTExpiry(t *testing.T) {
	exp := time.Now().Add(2 * time.Hour).Truncate(time.Second)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "device-1",
		"exp": exp.Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	payload, _ := json.Marshal(map[string]string{"access_token": signed})
	tok, err := parseTokenResponse(payload)
	require.NoError(t, err)
	assert.Equal(t, signed, tok.AccessToken)
	assert.True(t, exp.Equal(tok.Expiry))
}

func TestParseTokenResponse_SnakeCaseExpiry(t *testing.T) {
	tok, err := parseTokenResponse([]byte(`{"token":"abc","expires_at":1900000000}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1900000000), tok.Expiry.Unix())
}

func TestParseExpiry(t *testing.T) {
	tests := []struct {
		raw  string
		want time.Time
	}{
		{`"2030-01-02T03:04:05Z"`, time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)},
		{`1900000000`, time.Unix(1900000000, 0)},
		{`1900000000000`, time.UnixMilli(1900000000000)},
		{`"1900000000"`, time.Unix(1900000000, 0)},
		{`1900000000.5`, time.Unix(1900000000, 500_000_000)},
	}
	for _, tt := range tests {
		got, err := parseExpiry(json.RawMessage(tt.raw))
		require.NoError(t, err, tt.raw)
		assert.True(t, tt.want.Equal(got), "%s: got %s", tt.raw, got)
	}

	for _, bad := range []string{``, `null`, `"tomorrow"`, `{}`} {
		_, err := parseExpiry(json.RawMessage(bad))
		assert.Error(t, err, bad)
	}
}
