package apiclient

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aussiebroadwan/shopfloor/internal/tokens"
	"github.com/aussiebroadwan/shopfloor/pkg/slogx"
	"golang.org/x/sync/singleflight"
)

// Default endpoint paths on the domain API.
const (
	DefaultLoginPath   = "/api/auth/login"
	DefaultLogoutPath  = "/api/auth/logout"
	DefaultRefreshPath = "/api/auth/refresh"
	DefaultHealthPath  = "/health"
)

// DefaultRefreshBuffer is how close to expiry a JWT access token may get
// before it is refreshed ahead of the request.
const DefaultRefreshBuffer = 30 * time.Second

// DefaultRequestTimeout bounds a single HTTP exchange.
const DefaultRequestTimeout = 10 * time.Second

// TokenStore is the persisted credential pair the client reads on every call.
type TokenStore interface {
	AccessToken(ctx context.Context) string
	RefreshToken(ctx context.Context) string
	Load(ctx context.Context) (tokens.Pair, error)
	Save(ctx context.Context, p tokens.Pair) error
	Clear(ctx context.Context) error
}

// Client wraps every request to the domain API with bearer authentication
// and a single-flight token refresh. It is safe for concurrent use.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger

	LoginPath   string
	LogoutPath  string
	RefreshPath string
	HealthPath  string

	// RefreshBuffer enables refreshing JWT access tokens ahead of expiry.
	// Zero disables it; opaque tokens are never refreshed ahead of time.
	RefreshBuffer time.Duration

	tokens  TokenStore
	refresh singleflight.Group

	logoutMu       sync.Mutex
	onForcedLogout func()
}

// New creates a client for the API at baseURL backed by the given token store.
func New(baseURL string, ts TokenStore) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout:   DefaultRequestTimeout,
			Transport: &slogx.Transport{},
		},
		LoginPath:     DefaultLoginPath,
		LogoutPath:    DefaultLogoutPath,
		RefreshPath:   DefaultRefreshPath,
		HealthPath:    DefaultHealthPath,
		RefreshBuffer: DefaultRefreshBuffer,
		tokens:        ts,
	}
}

// OnForcedLogout registers the single callback invoked after credentials are
// cleared because of an unrecoverable authorization failure. A later call
// replaces the earlier callback. The client never navigates; that is the
// registrant's job.
func (c *Client) OnForcedLogout(fn func()) {
	c.logoutMu.Lock()
	defer c.logoutMu.Unlock()
	c.onForcedLogout = fn
}

func (c *Client) logger() *slog.Logger {
	return slogx.OrDefault(c.Logger)
}

// url builds a complete URL by appending the path to the base URL.
func (c *Client) url(path string) string {
	return c.BaseURL + path
}
