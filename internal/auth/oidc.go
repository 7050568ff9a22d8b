package auth

import (
	"context"
	"errors"

	"github.com/kuitang/catatan/internal/errs"
)

// ErrInvalidState is returned when the OAuth state does not match the cookie.
var ErrInvalidState = errs.New(errs.InvalidArgument, "invalid sign-in state")

// ErrCodeExchangeFailed is returned when the provider rejects a code or its
// ID token does not verify.
var ErrCodeExchangeFailed = errors.New("code exchange failed")

// Claims are the ID token claims sign-in needs.
type Claims struct {
	Sub           string
	Email         string
	Name          string
	EmailVerified bool
}

// OIDCClient drives an authorization-code sign-in. redirectURL may be empty
// to use the client's configured one.
type OIDCClient interface {
	GetAuthURL(state, redirectURL string) string
	ExchangeCode(ctx context.Context, code, redirectURL string) (*Claims, error)
}
