package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/aussiebroadwan/shopfloor/internal/tokens"
)

// Request describes one call to the domain API. Body is kept as bytes so a
// request can be re-sent after a token refresh.
type Request struct {
	Method string
	Path   string
	Body   []byte
	Header http.Header
}

// Send executes req with the current access token. On a 401 it refreshes the
// token once (shared with every other request failing at the same time) and
// retries. The caller owns the returned response body.
func (c *Client) Send(ctx context.Context, req *Request) (*http.Response, error) {
	token := c.tokens.AccessToken(ctx)

	if token != "" && c.RefreshBuffer > 0 && tokens.ExpiresWithin(token, c.RefreshBuffer) {
		fresh, err := c.refreshToken(ctx, token)
		switch {
		case err == nil:
			token = fresh
		case IsTransportError(err):
			// Let the server judge the old token.
			c.logger().Warn("proactive token refresh failed", "error", err)
		default:
			return nil, err
		}
	}

	resp, err := c.roundTrip(ctx, req, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	_ = drainBody(resp)

	fresh, err := c.refreshToken(ctx, token)
	if err != nil {
		return nil, err
	}

	// One retry per Send. A 401 on it means the renewed token was rejected
	// too, which is unrecoverable.
	resp, err = c.roundTrip(ctx, req, fresh)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	apiErr := drainBody(resp)
	c.forceLogout(ctx, apiErr)
	return nil, fmt.Errorf("%w: %w", ErrSessionExpired, apiErr)
}

// drainBody reads and closes a rejected response and returns its error.
func drainBody(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return parseErrorResponse(resp, body)
}

// Do sends a JSON request and decodes a JSON response into out when non-nil.
// Non-2xx responses come back as *APIError.
func (c *Client) Do(ctx context.Context, method, path string, in, out any) error {
	req := &Request{Method: method, Path: path}
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		req.Body = b
		req.Header = http.Header{"Content-Type": {"application/json"}}
	}

	return c.DoRequest(ctx, req, out)
}

// DoRequest sends req and decodes a JSON response into out when non-nil.
func (c *Client) DoRequest(ctx context.Context, req *Request, out any) error {
	resp, err := c.Send(ctx, req)
	if err != nil {
		return err
	}
	return decodeJSON(resp, out)
}

// GetJSON performs an authenticated GET.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

// PostJSON performs an authenticated POST with a JSON body.
func (c *Client) PostJSON(ctx context.Context, path string, in, out any) error {
	return c.Do(ctx, http.MethodPost, path, in, out)
}

// PutJSON performs an authenticated PUT with a JSON body.
func (c *Client) PutJSON(ctx context.Context, path string, in, out any) error {
	return c.Do(ctx, http.MethodPut, path, in, out)
}

// DeleteJSON performs an authenticated DELETE.
func (c *Client) DeleteJSON(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodDelete, path, nil, out)
}

// roundTrip sends one attempt of req, attaching token when non-empty.
func (c *Client) roundTrip(ctx context.Context, req *Request, token string) (*http.Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.url(req.Path), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	return resp, nil
}

// decodeJSON reads resp and decodes it into target when target is non-nil.
func decodeJSON(resp *http.Response, target any) error {
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseErrorResponse(resp, bodyBytes)
	}

	if target == nil || len(bytes.TrimSpace(bodyBytes)) == 0 {
		return nil
	}

	if err := json.Unmarshal(bodyBytes, target); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
