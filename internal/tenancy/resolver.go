// Package tenancy maps inbound platform account identifiers to the owning
// business account. Events for unmapped accounts are dropped, never retried:
// a missing linkage is a configuration problem, not a transient one.
package tenancy

import (
	"context"
	"errors"
	"strings"
)

// ErrAccountNotFound is returned when no owner is linked to a platform account.
var ErrAccountNotFound = errors.New("tenancy: account not found")

// Account links an external platform account to its owning business.
type Account struct {
	OwnerID           string
	Platform          string
	PlatformAccountID string
	DisplayName       string
}

// Resolver looks up the owning account for an inbound platform identifier.
type Resolver interface {
	Resolve(ctx context.Context, platform, platformAccountID string) (Account, error)
}

// StaticResolver maps "platform/account-id" keys to owners in memory. Used in
// development and tests; production uses the Postgres resolver.
type StaticResolver struct {
	accounts map[string]Account
}

// NewStaticResolver builds a resolver from a platform-account → owner map.
func NewStaticResolver(accounts []Account) *StaticResolver {
	indexed := make(map[string]Account, len(accounts))
	for _, acct := range accounts {
		key := staticKey(acct.Platform, acct.PlatformAccountID)
		if key == "" || acct.OwnerID == "" {
			continue
		}
		indexed[key] = acct
	}
	return &StaticResolver{accounts: indexed}
}

// Resolve implements Resolver.
func (r *StaticResolver) Resolve(_ context.Context, platform, platformAccountID string) (Account, error) {
	if r == nil {
		return Account{}, ErrAccountNotFound
	}
	acct, ok := r.accounts[staticKey(platform, platformAccountID)]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return acct, nil
}

func staticKey(platform, platformAccountID string) string {
	platform = strings.ToLower(strings.TrimSpace(platform))
	platformAccountID = strings.TrimSpace(platformAccountID)
	if platform == "" || platformAccountID == "" {
		return ""
	}
	return platform + "/" + platformAccountID
}
