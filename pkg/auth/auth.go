package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"
	"github.com/redsync/redsync/pkg/common"
	"github.com/redsync/redsync/pkg/log"
	"github.com/redsync/redsync/pkg/storage"
	"github.com/redsync/redsync/pkg/types"
	"golang.org/x/oauth2"
)

const (
	// defaultExpiryMargin is how long before the literal token deadline we
	// already treat the token as expired, so it is never presented to the
	// provider mid-request.
	defaultExpiryMargin = 5 * time.Minute

	// defaultTokenLifetime is assumed when the token endpoint omits
	// expires_in.
	defaultTokenLifetime = time.Hour
)

// Store is the subset of storage the session manager needs to survive
// restarts without a fresh login.
type Store interface {
	GetToken(ctx context.Context) (types.Token, error)
	SetToken(ctx context.Context, token types.Token) error
	DeleteToken(ctx context.Context) error
}

// Manager owns the OAuth2 session: it logs in with the PKCE flow, refreshes
// the token before it expires and persists it across restarts. All token
// mutation happens here; consumers only ever read tokens it hands out.
type Manager struct {
	client          *http.Client
	authorizeClient *http.Client
	store           Store

	authnURL    string
	issuer      string
	redirectURI string
	scopes      []string

	expiryMargin time.Duration
	now          func() time.Time

	mu       sync.Mutex
	cred     types.Credential
	token    types.Token
	endpoint *oauth2.Endpoint
}

// Configured sets up the session manager based on flags. Username, password
// and client ID may also arrive later via SetCredential.
func Configured(store Store) *Manager {
	m := New(store)

	authnURL := lflag.String("auth-authn-url", "https://redenergy.okta.com/api/v1/authn", "Primary authentication endpoint")
	issuer := lflag.String("auth-issuer", "https://login.redenergy.com.au/oauth2/default", "OAuth2 issuer for endpoint discovery")
	redirectURI := lflag.String("auth-redirect-uri", "au.com.redenergy.redenergyapp://callback", "OAuth2 redirect URI registered with the provider")
	username := lflag.String("auth-username", "", "Account username (can be set later via the API)")
	password := lflag.String("auth-password", "", "Account password (can be set later via the API)")
	clientID := lflag.String("auth-client-id", "", "OAuth2 client ID (can be set later via the API)")

	lflag.Do(func() {
		m.authnURL = *authnURL
		m.issuer = *issuer
		m.redirectURI = *redirectURI
		if *username != "" {
			m.cred = types.Credential{
				Username: *username,
				Password: *password,
				ClientID: *clientID,
			}
		}
	})

	return m
}

// New returns a Manager with defaults suitable for tests. Endpoints should
// be set through the exported setters before use.
func New(store Store) *Manager {
	return &Manager{
		client:          common.HTTPClient(time.Minute),
		authorizeClient: common.NoRedirectHTTPClient(time.Minute),
		store:           store,
		scopes:          []string{oidc.ScopeOpenID, "profile", oidc.ScopeOfflineAccess},
		expiryMargin:    defaultExpiryMargin,
		now:             time.Now,
	}
}

// SetEndpoints overrides the provider endpoints, primarily for tests.
func (m *Manager) SetEndpoints(authnURL, issuer, redirectURI string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authnURL = authnURL
	m.issuer = issuer
	m.redirectURI = redirectURI
	m.endpoint = nil
}

// SetCredential replaces the stored credential. Any existing session is
// invalidated because it may belong to another account.
func (m *Manager) SetCredential(ctx context.Context, cred types.Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred = cred
	m.token = types.Token{}
	if m.store != nil {
		if err := m.store.DeleteToken(ctx); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to delete persisted token", slog.Any("error", err))
		}
	}
}

// HasCredential reports whether a credential has been supplied.
func (m *Manager) HasCredential() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cred.Username != ""
}

// Restore loads a previously persisted token so a restart can skip login.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	tok, err := m.store.GetToken(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load persisted token: %w", err)
	}
	m.mu.Lock()
	m.token = tok
	m.mu.Unlock()
	log.Ctx(ctx).DebugContext(ctx, "restored session token", slog.Time("expiry", tok.Expiry))
	return nil
}

// EnsureValidSession returns a token that is valid for at least the expiry
// margin. It refreshes or re-logs-in as needed. Fatal errors are never
// retried here; transient ones bubble up for the caller's backoff.
func (m *Manager) EnsureValidSession(ctx context.Context) (types.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cred.Username == "" {
		return types.Token{}, ErrNoCredentials
	}

	if m.token.Valid(m.now(), m.expiryMargin) {
		return m.token, nil
	}

	if m.token.RefreshToken != "" {
		tok, err := m.refreshLocked(ctx)
		if err == nil {
			return tok, nil
		}
		if !errors.Is(err, ErrAuthorizationExpired) {
			return types.Token{}, err
		}
		log.Ctx(ctx).InfoContext(ctx, "refresh token rejected, attempting full login")
	}

	return m.loginLocked(ctx)
}

// Login performs the full PKCE flow regardless of any cached token.
func (m *Manager) Login(ctx context.Context) (types.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred.Username == "" {
		return types.Token{}, ErrNoCredentials
	}
	return m.loginLocked(ctx)
}

// Refresh exchanges the refresh token for a new access token.
func (m *Manager) Refresh(ctx context.Context) (types.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token.RefreshToken == "" {
		return types.Token{}, ErrAuthorizationExpired
	}
	return m.refreshLocked(ctx)
}

// Logout drops the session locally. The provider-side session is left to
// expire on its own.
func (m *Manager) Logout(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = types.Token{}
	if m.store != nil {
		if err := m.store.DeleteToken(ctx); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to delete persisted token", slog.Any("error", err))
		}
	}
}

// Invalidate drops the access token but keeps the refresh token, so the
// next EnsureValidSession refreshes instead of presenting a token the
// provider has already rejected.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token.AccessToken = ""
	m.token.Expiry = time.Time{}
}

// Token returns the current token without refreshing it.
func (m *Manager) Token() types.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

func (m *Manager) loginLocked(ctx context.Context) (types.Token, error) {
	sessionToken, err := m.primaryAuth(ctx)
	if err != nil {
		return types.Token{}, err
	}

	ep, err := m.discoverLocked(ctx)
	if err != nil {
		return types.Token{}, err
	}
	cfg := m.oauthConfigLocked(ep)

	verifier := oauth2.GenerateVerifier()
	code, err := m.authorize(ctx, cfg, sessionToken, verifier)
	if err != nil {
		return types.Token{}, err
	}

	tok, err := cfg.Exchange(context.WithValue(ctx, oauth2.HTTPClient, m.client), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return types.Token{}, classifyOAuthError(err, ErrInvalidCredentials)
	}

	m.token = m.convertToken(tok)
	m.persistLocked(ctx)
	log.Ctx(ctx).InfoContext(ctx, "session established", slog.Time("expiry", m.token.Expiry))
	return m.token, nil
}

// primaryAuth posts the credential to the primary authentication endpoint
// and returns a one-time session token for the authorize step.
func (m *Manager) primaryAuth(ctx context.Context) (string, error) {
	body, err := json.Marshal(authnRequest{
		Username: m.cred.Username,
		Password: m.cred.Password,
		Options: authnOptions{
			MultiOptionalFactorEnroll: false,
			WarnBeforePasswordExpired: false,
		},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", m.authnURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("primary auth request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			log.Ctx(ctx).WarnContext(ctx, "primary auth rejected", slog.Int("status", resp.StatusCode))
			return "", fmt.Errorf("%w: primary auth status %d", ErrInvalidCredentials, resp.StatusCode)
		}
		return "", &StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}

	var res authnResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("failed to decode authn response: %w", err)
	}
	if res.Status != "SUCCESS" {
		log.Ctx(ctx).WarnContext(ctx, "primary auth not successful", slog.String("status", res.Status))
		return "", fmt.Errorf("%w: authn status %s", ErrInvalidCredentials, res.Status)
	}
	if res.SessionToken == "" {
		return "", errors.New("authn response missing session token")
	}
	return res.SessionToken, nil
}

// discoverLocked resolves the authorize and token endpoints from the
// issuer's OIDC discovery document, caching the result.
func (m *Manager) discoverLocked(ctx context.Context) (oauth2.Endpoint, error) {
	if m.endpoint != nil {
		return *m.endpoint, nil
	}
	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, m.client), m.issuer)
	if err != nil {
		return oauth2.Endpoint{}, fmt.Errorf("endpoint discovery failed: %w", err)
	}
	ep := provider.Endpoint()
	m.endpoint = &ep
	log.Ctx(ctx).DebugContext(ctx, "discovered provider endpoints",
		slog.String("authURL", ep.AuthURL),
		slog.String("tokenURL", ep.TokenURL),
	)
	return ep, nil
}

func (m *Manager) oauthConfigLocked(ep oauth2.Endpoint) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    m.cred.ClientID,
		Endpoint:    ep,
		RedirectURL: m.redirectURI,
		Scopes:      m.scopes,
	}
}

// authorize drives the authorize endpoint with the session token and reads
// the authorization code out of the redirect Location, which is never
// followed.
func (m *Manager) authorize(ctx context.Context, cfg *oauth2.Config, sessionToken, verifier string) (string, error) {
	state := uuid.NewString()
	nonce := uuid.NewString()

	authURL := cfg.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("sessionToken", sessionToken),
		oauth2.SetAuthURLParam("nonce", nonce),
	)

	req, err := http.NewRequestWithContext(ctx, "GET", authURL, nil)
	if err != nil {
		return "", err
	}

	resp, err := m.authorizeClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("authorize request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound && resp.StatusCode != http.StatusMovedPermanently &&
		resp.StatusCode != http.StatusSeeOther && resp.StatusCode != http.StatusTemporaryRedirect {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", &StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}

	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		return "", fmt.Errorf("failed to parse authorize redirect: %w", err)
	}
	q := loc.Query()
	if errCode := q.Get("error"); errCode != "" {
		log.Ctx(ctx).WarnContext(ctx, "authorize rejected",
			slog.String("error", errCode),
			slog.String("description", q.Get("error_description")),
		)
		if errCode == "access_denied" {
			return "", fmt.Errorf("%w: authorize error %s", ErrInvalidCredentials, errCode)
		}
		return "", fmt.Errorf("authorize error: %s", errCode)
	}
	if got := q.Get("state"); got != state {
		return "", fmt.Errorf("authorize state mismatch")
	}
	code := q.Get("code")
	if code == "" {
		return "", errors.New("authorize redirect missing code")
	}
	return code, nil
}

func (m *Manager) refreshLocked(ctx context.Context) (types.Token, error) {
	ep, err := m.discoverLocked(ctx)
	if err != nil {
		return types.Token{}, err
	}
	cfg := m.oauthConfigLocked(ep)

	src := cfg.TokenSource(
		context.WithValue(ctx, oauth2.HTTPClient, m.client),
		&oauth2.Token{RefreshToken: m.token.RefreshToken},
	)
	tok, err := src.Token()
	if err != nil {
		return types.Token{}, classifyOAuthError(err, ErrAuthorizationExpired)
	}

	refreshed := m.convertToken(tok)
	// some providers rotate the refresh token, some don't send it back
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = m.token.RefreshToken
	}
	m.token = refreshed
	m.persistLocked(ctx)
	log.Ctx(ctx).DebugContext(ctx, "session refreshed", slog.Time("expiry", m.token.Expiry))
	return m.token, nil
}

func (m *Manager) convertToken(tok *oauth2.Token) types.Token {
	t := types.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
	if t.TokenType == "" {
		t.TokenType = "Bearer"
	}
	if t.Expiry.IsZero() {
		t.Expiry = m.now().Add(defaultTokenLifetime)
	}
	return t
}

// persistLocked saves the token best-effort; a storage hiccup must not fail
// an otherwise successful login.
func (m *Manager) persistLocked(ctx context.Context) {
	if m.store == nil {
		return
	}
	if err := m.store.SetToken(ctx, m.token); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to persist token", slog.Any("error", err))
	}
}

// classifyOAuthError maps token endpoint rejections (4xx) to the given
// fatal sentinel and leaves everything else (network, 5xx) transient.
func classifyOAuthError(err error, fatal error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		if re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: %v", fatal, err)
		}
		return &StatusError{Code: re.Response.StatusCode, Body: string(re.Body)}
	}
	return err
}

type authnOptions struct {
	MultiOptionalFactorEnroll bool `json:"multiOptionalFactorEnroll"`
	WarnBeforePasswordExpired bool `json:"warnBeforePasswordExpired"`
}

type authnRequest struct {
	Username string       `json:"username"`
	Password string       `json:"password"`
	Options  authnOptions `json:"options"`
}

type authnResult struct {
	Status       string `json:"status"`
	SessionToken string `json:"sessionToken"`
	ExpiresAt    string `json:"expiresAt"`
}
