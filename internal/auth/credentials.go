package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrInvalidCredential indicates a credential that was presented but failed
// validation. A request with no credential at all is anonymous, not invalid.
var ErrInvalidCredential = errors.New("auth: invalid credential")

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
	tokenQueryParameter = "token"
)

// CredentialResolver turns a request credential into a user identity, or
// into none for anonymous callers. It never fails on absence: websocket
// upgrades cannot carry headers from browsers, so the access token is also
// accepted as a query parameter.
type CredentialResolver struct {
	tokens *TokenIssuer
}

// NewCredentialResolver constructs a resolver over the given token issuer.
func NewCredentialResolver(tokens *TokenIssuer) *CredentialResolver {
	return &CredentialResolver{tokens: tokens}
}

// ResolveUserID extracts and validates the access token on the request and
// returns the subject user id. An empty id with a nil error is an anonymous
// caller; a presented-but-invalid credential returns ErrInvalidCredential.
func (r *CredentialResolver) ResolveUserID(request *http.Request) (string, error) {
	if request == nil {
		return "", nil
	}

	token := ""
	if header := request.Header.Get(authorizationHeader); strings.HasPrefix(header, bearerPrefix) {
		token = strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	}
	if token == "" {
		token = strings.TrimSpace(request.URL.Query().Get(tokenQueryParameter))
	}
	if token == "" {
		return "", nil
	}

	subject, err := r.tokens.ValidateToken(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	return subject, nil
}
