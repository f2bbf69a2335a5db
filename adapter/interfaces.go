package osd

import (
	"context"

	"golang.org/x/oauth2"
)

// TokenIssuer mints socket credentials. Implemented by HTTPTokenIssuer against
// the backend token endpoint.
type TokenIssuer interface {
	IssueToken(ctx context.Context, req TokenRequest) (*oauth2.Token, error)
}

// TokenStorage is the durable local credential cache.
type TokenStorage interface {
	SaveToken(filename string, token *StoredToken) error
	LoadToken(filename string) (*StoredToken, error)
	DeleteToken(filename string) error
}

// StoredToken is a cached credential plus the identity it was minted for.
type StoredToken struct {
	Key   string        `json:"key"`
	Token *oauth2.Token `json:"token"`
}

// Refresher pulls the authoritative order list for a store.
type Refresher interface {
	ListActiveOrders(ctx context.Context, storeID string) ([]Order, error)
}
