// Package client talks to a running flowgate daemon.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rsclarke/flowgate/internal/api"
	"github.com/rsclarke/flowgate/internal/config"
	"github.com/rsclarke/flowgate/internal/events"
	"github.com/rsclarke/flowgate/internal/filter"
	"github.com/rsclarke/flowgate/internal/rules"
)

const requestTimeout = 10 * time.Second

type Client struct {
	BaseURL string
	APIKey  string

	http   *http.Client
	dialer *websocket.Dialer
}

// NewClient creates a client for the daemon listening on addr, in the form
// accepted by config.ParseListenAddr.
func NewClient(addr, apiKey string) (*Client, error) {
	network, address, err := config.ParseListenAddr(addr)
	if err != nil {
		return nil, err
	}
	c := &Client{APIKey: apiKey}
	switch network {
	case "unix":
		dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", address)
		}
		c.BaseURL = "http://flowgate"
		c.http = &http.Client{Transport: &http.Transport{DialContext: dial}, Timeout: requestTimeout}
		c.dialer = &websocket.Dialer{NetDialContext: dial, HandshakeTimeout: requestTimeout}
	default:
		c.BaseURL = "http://" + address
		c.http = &http.Client{Timeout: requestTimeout}
		c.dialer = &websocket.Dialer{HandshakeTimeout: requestTimeout}
	}
	return c, nil
}

func (c *Client) SetUserRules(uid uint32, req api.RulesRequest) (*api.CommandResponse, error) {
	return call[api.CommandResponse](c, http.MethodPut, userPath(uid, "/rules"), req)
}

// Suspend suspends uid's filter for d, rounded up to whole seconds. A nil
// scope suspends unrestricted.
func (c *Client) Suspend(uid uint32, d time.Duration, scope rules.Scope) (*api.SuspendResponse, error) {
	req := api.SuspendRequest{Seconds: int64((d + time.Second - 1) / time.Second)}
	if scope != nil {
		raw, err := rules.MarshalScope(scope)
		if err != nil {
			return nil, err
		}
		req.Scope = raw
	}
	return call[api.SuspendResponse](c, http.MethodPost, userPath(uid, "/suspension"), req)
}

func (c *Client) EndSuspension(uid uint32) (*api.EndSuspensionResponse, error) {
	return call[api.EndSuspensionResponse](c, http.MethodDelete, userPath(uid, "/suspension"), nil)
}

func (c *Client) SetExemption(uid uint32, enabled bool) (*api.CommandResponse, error) {
	return call[api.CommandResponse](c, http.MethodPut, userPath(uid, "/exemption"), api.ToggleRequest{Enabled: enabled})
}

func (c *Client) SetStreaming(uid uint32, enabled bool) (*api.StreamingResponse, error) {
	return call[api.StreamingResponse](c, http.MethodPut, userPath(uid, "/streaming"), api.ToggleRequest{Enabled: enabled})
}

func (c *Client) Disconnect(uid uint32) (*api.CommandResponse, error) {
	return call[api.CommandResponse](c, http.MethodDelete, userPath(uid, ""), nil)
}

func (c *Client) UserSummary(uid uint32) (*filter.Summary, error) {
	return call[filter.Summary](c, http.MethodGet, userPath(uid, ""), nil)
}

func (c *Client) Heartbeat() (*api.HeartbeatResponse, error) {
	return call[api.HeartbeatResponse](c, http.MethodPost, "/v1/heartbeat", nil)
}

func (c *Client) Observations() (*api.ObservationsResponse, error) {
	return call[api.ObservationsResponse](c, http.MethodGet, "/v1/observations", nil)
}

func (c *Client) Status() (*api.StatusResponse, error) {
	return call[api.StatusResponse](c, http.MethodGet, "/v1/status", nil)
}

// Watch streams notification envelopes to fn until ctx is done, fn returns
// an error or the daemon closes the stream. A nil uid watches every user.
func (c *Client) Watch(ctx context.Context, uid *uint32, fn func(events.Envelope) error) error {
	u, err := url.Parse(c.BaseURL + "/v1/events")
	if err != nil {
		return err
	}
	u.Scheme = "ws"
	if uid != nil {
		u.RawQuery = url.Values{"uid": {strconv.FormatUint(uint64(*uid), 10)}}.Encode()
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.APIKey)
	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if resp != nil {
			defer resp.Body.Close()
			return parseError(resp)
		}
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var env events.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if err := fn(env); err != nil {
			return err
		}
	}
}

func call[T any](c *Client, method, path string, body any) (*T, error) {
	var out T
	if err := c.do(method, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func userPath(uid uint32, suffix string) string {
	return "/v1/users/" + strconv.FormatUint(uint64(uid), 10) + suffix
}

func (c *Client) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return parseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ErrUnauthorized is returned when the daemon rejects the companion key.
var ErrUnauthorized = errors.New("unauthorized")

func parseError(resp *http.Response) error {
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	var errResp api.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}
	return fmt.Errorf("%s", errResp.Error)
}
