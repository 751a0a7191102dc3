package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aussiebroadwan/shopfloor/internal/tokens"
)

// tokenResponse is the wire shape returned by login and refresh.
type tokenResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

func (r tokenResponse) pair() tokens.Pair {
	return tokens.Pair{AccessToken: r.Token, RefreshToken: r.RefreshToken}
}

// Login exchanges credentials for a token pair and persists it.
func (c *Client) Login(ctx context.Context, username, password string) (tokens.Pair, error) {
	body := map[string]string{"username": username, "password": password}

	var resp tokenResponse
	if err := c.postUnauthenticated(ctx, c.LoginPath, body, &resp); err != nil {
		return tokens.Pair{}, fmt.Errorf("login: %w", err)
	}
	if resp.Token == "" {
		return tokens.Pair{}, errors.New("login: response carried no token")
	}

	p := resp.pair()
	if err := c.tokens.Save(ctx, p); err != nil {
		return tokens.Pair{}, err
	}

	c.logger().Info("logged in", "user", username)
	return p, nil
}

// Logout tells the server (best effort) and clears local credentials. It is
// user initiated, so the forced-logout callback is not invoked.
func (c *Client) Logout(ctx context.Context) error {
	if refresh := c.tokens.RefreshToken(ctx); refresh != "" {
		err := c.PostJSON(ctx, c.LogoutPath, map[string]string{"refreshToken": refresh}, nil)
		if err != nil {
			c.logger().Warn("server logout failed", "error", err)
		}
	}
	return c.tokens.Clear(ctx)
}

// Refresh forces a token refresh through the same single-flight path used by
// failing requests and returns the stored pair afterwards.
func (c *Client) Refresh(ctx context.Context) (tokens.Pair, error) {
	if _, err := c.refreshToken(ctx, c.tokens.AccessToken(ctx)); err != nil {
		return tokens.Pair{}, err
	}
	return c.tokens.Load(ctx)
}

// Health performs an unauthenticated GET on the health path and reports any
// failure to reach the API.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(c.HealthPath), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusInternalServerError {
		return &APIError{StatusCode: resp.StatusCode}
	}
	return nil
}

// refreshToken returns a usable access token after staleToken was rejected
// or found close to expiry. Concurrent callers share one refresh call.
func (c *Client) refreshToken(ctx context.Context, staleToken string) (string, error) {
	ch := c.refresh.DoChan("refresh", func() (any, error) {
		// The flight outlives any single caller's cancellation.
		return c.runRefresh(context.WithoutCancel(ctx), staleToken)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// runRefresh is the body of the single flight.
func (c *Client) runRefresh(ctx context.Context, staleToken string) (string, error) {
	// Another flight may already have rotated the token this request used.
	if current := c.tokens.AccessToken(ctx); current != "" && current != staleToken {
		return current, nil
	}

	refresh := c.tokens.RefreshToken(ctx)
	if refresh == "" {
		c.forceLogout(ctx, ErrNoRefreshToken)
		return "", fmt.Errorf("%w: %w", ErrSessionExpired, ErrNoRefreshToken)
	}

	var resp tokenResponse
	err := c.postUnauthenticated(ctx, c.RefreshPath, map[string]string{"refreshToken": refresh}, &resp)
	if err != nil {
		if IsTransportError(err) {
			// Unreachable is not unauthorized; keep credentials for later.
			return "", fmt.Errorf("refresh: %w", err)
		}
		c.forceLogout(ctx, err)
		return "", fmt.Errorf("%w: refresh: %w", ErrSessionExpired, err)
	}
	if resp.Token == "" {
		err := errors.New("refresh response carried no token")
		c.forceLogout(ctx, err)
		return "", fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}

	if err := c.tokens.Save(ctx, resp.pair()); err != nil {
		return "", err
	}

	c.logger().Debug("access token refreshed")
	return resp.Token, nil
}

// forceLogout clears credentials and invokes the callback. Only the caller
// that actually clears something fires the callback, so racing failures
// produce one logout.
func (c *Client) forceLogout(ctx context.Context, reason error) {
	c.logoutMu.Lock()
	p, err := c.tokens.Load(ctx)
	if err == nil && p.AccessToken == "" && p.RefreshToken == "" {
		c.logoutMu.Unlock()
		return
	}

	if err := c.tokens.Clear(ctx); err != nil {
		c.logger().Error("failed to clear credentials", "error", err)
	}
	callback := c.onForcedLogout
	c.logoutMu.Unlock()

	c.logger().Warn("forced logout", "reason", reason)
	if callback != nil {
		callback()
	}
}

// postUnauthenticated posts JSON without a bearer token. The refresh call goes
// through here so it can never recurse into the refresh path.
func (c *Client) postUnauthenticated(ctx context.Context, path string, in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	return decodeJSON(resp, out)
}
