package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/callpilot/callpilot/services/scheduling-service/internal/metrics"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/model"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/singleflight"
	gcal "google.golang.org/api/calendar/v3"
)

const (
	stateTTL        = 10 * time.Minute
	refreshTimeout  = 15 * time.Second
	defaultReuseFor = 5 * time.Second
)

type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// TokenURL overrides the provider token endpoint (tests).
	TokenURL string
	// ReuseWindow is how long a freshly refreshed token satisfies forced refreshes.
	ReuseWindow time.Duration
	// HTTPClient is used for token endpoint calls when set.
	HTTPClient *http.Client
}

// TokenManager owns the calendar OAuth credentials. It implements
// oauth2.TokenSource and refreshes at most once for a burst of concurrent
// callers that all observed an expired token.
type TokenManager struct {
	conf    *oauth2.Config
	store   TokenStore
	states  StateStore
	logger  *slog.Logger
	metrics *metrics.Metrics
	client  *http.Client
	reuse   time.Duration
	now     func() time.Time

	mu          sync.Mutex
	token       *oauth2.Token
	loaded      bool
	refreshedAt time.Time
	group       singleflight.Group
}

func NewTokenManager(cfg OAuthConfig, store TokenStore, states StateStore, logger *slog.Logger, m *metrics.Metrics) *TokenManager {
	endpoint := google.Endpoint
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	if cfg.ReuseWindow <= 0 {
		cfg.ReuseWindow = defaultReuseFor
	}
	if states == nil {
		states = NewMemoryStateStore()
	}
	return &TokenManager{
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{gcal.CalendarScope},
		},
		store:   store,
		states:  states,
		logger:  logger,
		metrics: m,
		client:  cfg.HTTPClient,
		reuse:   cfg.ReuseWindow,
		now:     time.Now,
	}
}

// Token returns a valid access token, refreshing an expired one.
func (m *TokenManager) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	tok, err := m.current(ctx)
	if err != nil {
		return nil, err
	}
	if tok.Valid() {
		return tok, nil
	}
	return m.refresh(ctx, false)
}

// Refresh forces a refresh, typically after the provider rejected the current
// access token. A token refreshed within the reuse window is returned as is.
func (m *TokenManager) Refresh(ctx context.Context) (*oauth2.Token, error) {
	if _, err := m.current(ctx); err != nil {
		return nil, err
	}
	return m.refresh(ctx, true)
}

func (m *TokenManager) current(ctx context.Context) (*oauth2.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded && m.token != nil {
		return m.token, nil
	}
	tok, err := m.store.Load(ctx)
	if errors.Is(err, ErrNoToken) {
		return nil, model.ErrNotConnected
	}
	if err != nil {
		return nil, fmt.Errorf("load calendar token: %w", err)
	}
	m.token = tok
	m.loaded = true
	return tok, nil
}

func (m *TokenManager) refresh(ctx context.Context, force bool) (*oauth2.Token, error) {
	v, err, _ := m.group.Do("refresh", func() (any, error) {
		m.mu.Lock()
		tok := m.token
		fresh := !m.refreshedAt.IsZero() && m.now().Sub(m.refreshedAt) < m.reuse
		m.mu.Unlock()

		if tok == nil {
			return nil, model.ErrNotConnected
		}
		if fresh || (!force && tok.Valid()) {
			return tok, nil
		}
		if tok.RefreshToken == "" {
			return nil, model.ErrAuthExpired
		}

		// Waiters share this refresh, so it must not die with the first caller.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		if m.client != nil {
			rctx = context.WithValue(rctx, oauth2.HTTPClient, m.client)
		}

		next, err := m.conf.TokenSource(rctx, &oauth2.Token{RefreshToken: tok.RefreshToken}).Token()
		if err != nil {
			m.metrics.ObserveTokenRefresh("error")
			return nil, mapRefreshError(err)
		}
		if next.RefreshToken == "" {
			next.RefreshToken = tok.RefreshToken
		}
		if err := m.store.Save(rctx, next); err != nil {
			m.logger.Warn("persist refreshed calendar token failed", "err", err)
		}

		m.mu.Lock()
		m.token = next
		m.refreshedAt = m.now()
		m.mu.Unlock()
		m.metrics.ObserveTokenRefresh("ok")
		m.logger.Info("calendar token refreshed", "expiry", next.Expiry)
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*oauth2.Token), nil
}

func mapRefreshError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil && re.Response.StatusCode >= 500 {
			return fmt.Errorf("%w: token refresh: %v", model.ErrProviderUnavailable, err)
		}
		return fmt.Errorf("%w: %v", model.ErrAuthExpired, err)
	}
	return fmt.Errorf("%w: token refresh: %v", model.ErrProviderUnavailable, err)
}

// AuthCodeURL starts the consent flow. Offline access and a forced consent
// prompt make the provider issue a refresh token every time.
func (m *TokenManager) AuthCodeURL(ctx context.Context) (string, error) {
	state := uuid.NewString()
	if err := m.states.Put(ctx, state, stateTTL); err != nil {
		return "", err
	}
	return m.conf.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
	), nil
}

// Exchange completes the consent flow and persists the resulting token.
func (m *TokenManager) Exchange(ctx context.Context, code, state string) error {
	if strings.TrimSpace(code) == "" {
		return fmt.Errorf("%w: missing authorization code", model.ErrInvalidInput)
	}
	ok, err := m.states.Consume(ctx, state)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: unknown or expired oauth state", model.ErrInvalidInput)
	}
	if m.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)
	}
	tok, err := m.conf.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("%w: code exchange: %v", model.ErrAuthExpired, err)
	}
	if err := m.store.Save(ctx, tok); err != nil {
		return fmt.Errorf("save calendar token: %w", err)
	}

	m.mu.Lock()
	m.token = tok
	m.loaded = true
	m.refreshedAt = m.now()
	m.mu.Unlock()
	return nil
}

type ConnectionStatus struct {
	Connected bool      `json:"connected"`
	Expiry    time.Time `json:"expiry,omitempty"`
}

func (m *TokenManager) Status(ctx context.Context) (ConnectionStatus, error) {
	tok, err := m.current(ctx)
	if errors.Is(err, model.ErrNotConnected) {
		return ConnectionStatus{}, nil
	}
	if err != nil {
		return ConnectionStatus{}, err
	}
	return ConnectionStatus{
		Connected: tok.RefreshToken != "" || tok.Valid(),
		Expiry:    tok.Expiry,
	}, nil
}

// Disconnect forgets the stored credentials.
func (m *TokenManager) Disconnect(ctx context.Context) error {
	if err := m.store.Delete(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.token = nil
	m.loaded = false
	m.refreshedAt = time.Time{}
	m.mu.Unlock()
	return nil
}

// ReadyCheck fails while no calendar account is connected.
func (m *TokenManager) ReadyCheck(ctx context.Context) error {
	st, err := m.Status(ctx)
	if err != nil {
		return err
	}
	if !st.Connected {
		return model.ErrNotConnected
	}
	return nil
}
