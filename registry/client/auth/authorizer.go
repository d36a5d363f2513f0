// Package auth answers registry authentication challenges.
//
// An Authorizer starts without any scheme. The first 401 response tells it
// whether the registry wants basic credentials or a bearer token from a
// token service; from then on requests are authorized up front. Bearer
// tokens are cached per scope until they expire.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/distribution/imagebuilder/credentials"
	"github.com/distribution/imagebuilder/internal/dcontext"
	"github.com/distribution/imagebuilder/registry/client/auth/challenge"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// ClientID is sent to token services that require one.
	ClientID = "imagebuilder"

	// minimumTokenLifetime is assumed when a token service returns a
	// shorter or missing expiry.
	minimumTokenLifetime = 60 * time.Second

	tokenCacheSize = 128
	tokenCacheTTL  = 10 * time.Minute
)

// ErrNoToken is returned when a token service response carries no token.
var ErrNoToken = errors.New("authorization server did not include a token in the response")

// TokenError is returned when a token service rejects a token request.
type TokenError struct {
	Realm      string
	StatusCode int
	Body       string
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("token request to %s failed with status %d: %s", e.Realm, e.StatusCode, e.Body)
}

// PullScope returns the token scope for reading repository.
func PullScope(repository string) string {
	return fmt.Sprintf("repository:%s:pull", repository)
}

// PushScope returns the token scope for writing repository.
func PushScope(repository string) string {
	return fmt.Sprintf("repository:%s:pull,push", repository)
}

type scheme int

const (
	schemeNone scheme = iota
	schemeBasic
	schemeBearer
)

type token struct {
	value   string
	expires time.Time
}

// Authorizer authorizes requests to one registry. It is safe for concurrent
// use.
type Authorizer struct {
	credential credentials.Credential
	client     *http.Client
	userAgent  string

	mu      sync.Mutex
	scheme  scheme
	realm   string
	service string

	tokens *expirable.LRU[string, token]
	now    func() time.Time
}

// NewAuthorizer returns an Authorizer presenting cred. Token requests are
// sent with client.
func NewAuthorizer(cred credentials.Credential, client *http.Client, userAgent string) *Authorizer {
	if client == nil {
		client = http.DefaultClient
	}
	return &Authorizer{
		credential: cred,
		client:     client,
		userAgent:  userAgent,
		tokens:     expirable.NewLRU[string, token](tokenCacheSize, nil, tokenCacheTTL),
		now:        time.Now,
	}
}

// Credential returns the credential presented to the registry.
func (a *Authorizer) Credential() credentials.Credential {
	return a.credential
}

// Authorize adds an Authorization header to req for the given scopes if the
// registry's scheme is already known. A missing or expired bearer token is
// fetched first.
func (a *Authorizer) Authorize(ctx context.Context, req *http.Request, scopes ...string) error {
	a.mu.Lock()
	s := a.scheme
	a.mu.Unlock()

	switch s {
	case schemeBasic:
		if !a.credential.IsAnonymous() && a.credential.IdentityToken == "" {
			req.SetBasicAuth(a.credential.Username, a.credential.Secret)
		}
	case schemeBearer:
		tok, err := a.token(ctx, scopes)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return nil
}

// HandleChallenge records the scheme demanded by a 401 response and
// invalidates the cached token for the scopes. It reports whether the
// request is worth retrying with new authorization.
func (a *Authorizer) HandleChallenge(resp *http.Response, scopes ...string) bool {
	challenges := challenge.ResponseChallenges(resp)

	if c, ok := challenge.FindScheme(challenges, "bearer"); ok && c.Parameters["realm"] != "" {
		a.mu.Lock()
		a.scheme = schemeBearer
		a.realm = c.Parameters["realm"]
		a.service = c.Parameters["service"]
		a.mu.Unlock()
		a.tokens.Remove(scopeKey(scopes))
		return true
	}

	if _, ok := challenge.FindScheme(challenges, "basic"); ok {
		if a.credential.IsAnonymous() || a.credential.IdentityToken != "" {
			return false
		}
		a.mu.Lock()
		retry := a.scheme != schemeBasic
		a.scheme = schemeBasic
		a.mu.Unlock()
		return retry
	}

	return false
}

func scopeKey(scopes []string) string {
	sorted := append([]string(nil), scopes...)
	sort.Strings(sorted)
	return strings.Join(sorted, " ")
}

func (a *Authorizer) token(ctx context.Context, scopes []string) (string, error) {
	key := scopeKey(scopes)
	if tok, ok := a.tokens.Get(key); ok && a.now().Before(tok.expires) {
		return tok.value, nil
	}

	a.mu.Lock()
	realm, service := a.realm, a.service
	a.mu.Unlock()

	var (
		tok token
		err error
	)
	if a.credential.IdentityToken != "" {
		tok, err = a.fetchOAuthToken(ctx, realm, service, scopes)
	} else {
		tok, err = a.fetchToken(ctx, realm, service, scopes)
	}
	if err != nil {
		return "", err
	}

	a.tokens.Add(key, tok)
	return tok.value, nil
}

type tokenResponse struct {
	Token        string    `json:"token"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresIn    int       `json:"expires_in"`
	IssuedAt     time.Time `json:"issued_at"`
}

func (a *Authorizer) fetchToken(ctx context.Context, realm, service string, scopes []string) (token, error) {
	u, err := url.Parse(realm)
	if err != nil {
		return token{}, fmt.Errorf("invalid token realm %q: %w", realm, err)
	}
	q := u.Query()
	if service != "" {
		q.Set("service", service)
	}
	for _, scope := range scopes {
		q.Add("scope", scope)
	}
	if !a.credential.IsAnonymous() {
		q.Set("account", a.credential.Username)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return token{}, err
	}
	if !a.credential.IsAnonymous() {
		req.SetBasicAuth(a.credential.Username, a.credential.Secret)
	}
	return a.doTokenRequest(ctx, realm, req)
}

func (a *Authorizer) fetchOAuthToken(ctx context.Context, realm, service string, scopes []string) (token, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", a.credential.IdentityToken)
	form.Set("service", service)
	form.Set("scope", strings.Join(scopes, " "))
	form.Set("client_id", ClientID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, realm, strings.NewReader(form.Encode()))
	if err != nil {
		return token{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
	return a.doTokenRequest(ctx, realm, req)
}

func (a *Authorizer) doTokenRequest(ctx context.Context, realm string, req *http.Request) (token, error) {
	if a.userAgent != "" {
		req.Header.Set("User-Agent", a.userAgent)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return token{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return token{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return token{}, &TokenError{Realm: realm, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return token{}, fmt.Errorf("unable to decode token response: %w", err)
	}

	value := tr.AccessToken
	if value == "" {
		value = tr.Token
	}
	if value == "" {
		return token{}, ErrNoToken
	}

	lifetime := time.Duration(tr.ExpiresIn) * time.Second
	if lifetime < minimumTokenLifetime {
		lifetime = minimumTokenLifetime
	}
	issued := tr.IssuedAt
	if issued.IsZero() {
		issued = a.now()
	}

	dcontext.GetLogger(ctx).Debugf("obtained token from %s valid for %s", realm, lifetime)
	return token{value: value, expires: issued.Add(lifetime)}, nil
}
