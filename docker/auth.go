package docker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/devicectl/imagekit/types"
	"github.com/docker/distribution/registry/client/auth/challenge"
	"github.com/sirupsen/logrus"
)

// clientIDForIdentityToken is sent as client_id when exchanging an OAuth2 refresh token.
const clientIDForIdentityToken = "devicectl"

type tokenKey struct {
	service string
	scope   string
}

// authHandler turns registry challenges into Authorization headers.  Bearer
// tokens are cached per (service, scope) until they expire.
type authHandler struct {
	transport *registryTransport
	creds     types.DockerAuthConfig

	mu     sync.Mutex
	tokens map[tokenKey]*bearerToken
	now    func() time.Time
}

func newAuthHandler(t *registryTransport, creds types.DockerAuthConfig) *authHandler {
	return &authHandler{
		transport: t,
		creds:     creds,
		tokens:    map[tokenKey]*bearerToken{},
		now:       time.Now,
	}
}

// attachAuth sets the Authorization header of req for the first challenge it
// can answer and reports whether it did.  defaultScope is used for bearer
// challenges that do not name a scope.  Without challenges req is left
// unauthenticated.
func (a *authHandler) attachAuth(ctx context.Context, req *http.Request, challenges []challenge.Challenge, defaultScope string) (bool, error) {
	for _, ch := range challenges {
		switch strings.ToLower(ch.Scheme) {
		case "basic":
			if a.creds.Username == "" && a.creds.Password == "" {
				continue
			}
			req.SetBasicAuth(a.creds.Username, a.creds.Password)
			return true, nil
		case "bearer":
			key := tokenKey{service: ch.Parameters["service"], scope: ch.Parameters["scope"]}
			if key.scope == "" {
				key.scope = defaultScope
			}
			token, err := a.bearerToken(ctx, ch.Parameters["realm"], key)
			if err != nil {
				return false, err
			}
			req.Header.Set("Authorization", "Bearer "+token)
			return true, nil
		default:
			logrus.Debugf("no handler for %s authentication", ch.Scheme)
		}
	}
	return false, nil
}

// canAnswer reports whether attachAuth would authenticate a request for challenges.
func (a *authHandler) canAnswer(challenges []challenge.Challenge) bool {
	for _, ch := range challenges {
		switch strings.ToLower(ch.Scheme) {
		case "bearer":
			return true
		case "basic":
			if a.creds.Username != "" || a.creds.Password != "" {
				return true
			}
		}
	}
	return false
}

// invalidate drops every cached token of the challenges, so that the next
// attachAuth performs a fresh exchange.
func (a *authHandler) invalidate(challenges []challenge.Challenge, defaultScope string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ch := range challenges {
		key := tokenKey{service: ch.Parameters["service"], scope: ch.Parameters["scope"]}
		if key.scope == "" {
			key.scope = defaultScope
		}
		delete(a.tokens, key)
	}
}

func (a *authHandler) bearerToken(ctx context.Context, realm string, key tokenKey) (string, error) {
	a.mu.Lock()
	token, ok := a.tokens[key]
	a.mu.Unlock()
	if ok && !token.expired(a.now()) {
		return token.Token, nil
	}

	if realm == "" {
		return "", fmt.Errorf("missing realm in bearer auth challenge")
	}
	logrus.Debugf("Requesting bearer token for service %q, scope %q", key.service, key.scope)
	var err error
	if a.creds.IdentityToken != "" {
		token, err = a.getOAuth2Token(ctx, realm, key)
	} else {
		token, err = a.getBearerToken(ctx, realm, key)
	}
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	a.tokens[key] = token
	a.mu.Unlock()
	return token.Token, nil
}

func (a *authHandler) getBearerToken(ctx context.Context, realm string, key tokenKey) (*bearerToken, error) {
	authReq, err := http.NewRequestWithContext(ctx, http.MethodGet, realm, nil)
	if err != nil {
		return nil, err
	}
	params := authReq.URL.Query()
	if key.service != "" {
		params.Add("service", key.service)
	}
	if key.scope != "" {
		params.Add("scope", key.scope)
	}
	if a.creds.Username != "" {
		params.Add("account", a.creds.Username)
	}
	authReq.URL.RawQuery = params.Encode()
	if a.creds.Username != "" && a.creds.Password != "" {
		authReq.SetBasicAuth(a.creds.Username, a.creds.Password)
	}
	return a.exchange(ctx, authReq)
}

func (a *authHandler) getOAuth2Token(ctx context.Context, realm string, key tokenKey) (*bearerToken, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {a.creds.IdentityToken},
		"client_id":     {clientIDForIdentityToken},
	}
	if key.service != "" {
		form.Set("service", key.service)
	}
	if key.scope != "" {
		form.Set("scope", key.scope)
	}
	authReq, err := http.NewRequestWithContext(ctx, http.MethodPost, realm, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	authReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return a.exchange(ctx, authReq)
}

func (a *authHandler) exchange(ctx context.Context, authReq *http.Request) (*bearerToken, error) {
	res, err := a.transport.do(ctx, "requesting bearer token", authReq, false)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: token endpoint %s refused the credentials", ErrUnauthorizedForCredentials, authReq.URL.Redacted())
	default:
		return nil, registryHTTPResponseToError(res)
	}
	blob, err := a.transport.readBody(res)
	if err != nil {
		return nil, err
	}
	token, err := newBearerTokenFromJSONBlob(blob)
	if err != nil {
		return nil, fmt.Errorf("decoding bearer token from %s: %w", authReq.URL.Redacted(), err)
	}
	return token, nil
}
