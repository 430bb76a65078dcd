// Package arirest provides the REST command client for the telephony
// signaling server, for internal use by the ari package.
package arirest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client issues commands against the signaling server's REST API.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
}

// Config configures the command client.
type Config struct {
	BaseURL    string
	Username   string
	Password   string
	HTTPClient *http.Client
}

// New creates a command client.
func New(cfg *Config) (*Client, error) {
	if cfg == nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("signaling base URL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: httpClient,
	}, nil
}

// Channel is one telephony leg as represented by the signaling server.
type Channel struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`

	Caller struct {
		Name   string `json:"name"`
		Number string `json:"number"`
	} `json:"caller"`
}

// Bridge mixes audio between channels.
type Bridge struct {
	ID         string   `json:"id"`
	Technology string   `json:"technology"`
	BridgeType string   `json:"bridge_type"`
	Channels   []string `json:"channels"`
}

// Answer answers a ringing channel.
func (c *Client) Answer(ctx context.Context, channelID string) error {
	endpoint := fmt.Sprintf("%s/channels/%s/answer", c.baseURL, url.PathEscape(channelID))
	return c.post(ctx, endpoint, nil, nil)
}

// Hangup tears a channel down.
func (c *Client) Hangup(ctx context.Context, channelID string) error {
	endpoint := fmt.Sprintf("%s/channels/%s", c.baseURL, url.PathEscape(channelID))
	return c.del(ctx, endpoint)
}

// Play starts media playback on a channel (e.g. "sound:hello-world").
func (c *Client) Play(ctx context.Context, channelID, mediaURI string) error {
	endpoint := fmt.Sprintf("%s/channels/%s/play", c.baseURL, url.PathEscape(channelID))
	q := url.Values{}
	q.Set("media", mediaURI)
	return c.post(ctx, endpoint, q, nil)
}

// OriginateParams configure an outbound channel.
type OriginateParams struct {
	Endpoint string // e.g. "PJSIP/+15550001234@trunk"
	App      string // application to drop the channel into
	CallerID string
	Timeout  int // ring timeout in seconds
}

// Originate creates an outbound channel toward a dial target.
func (c *Client) Originate(ctx context.Context, params *OriginateParams) (*Channel, error) {
	endpoint := fmt.Sprintf("%s/channels", c.baseURL)
	q := url.Values{}
	q.Set("endpoint", params.Endpoint)
	q.Set("app", params.App)
	if params.CallerID != "" {
		q.Set("callerId", params.CallerID)
	}
	if params.Timeout > 0 {
		q.Set("timeout", fmt.Sprintf("%d", params.Timeout))
	}

	var ch Channel
	if err := c.post(ctx, endpoint, q, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// CreateBridge creates a mixing bridge.
func (c *Client) CreateBridge(ctx context.Context) (*Bridge, error) {
	endpoint := fmt.Sprintf("%s/bridges", c.baseURL)
	q := url.Values{}
	q.Set("type", "mixing")

	var bridge Bridge
	if err := c.post(ctx, endpoint, q, &bridge); err != nil {
		return nil, err
	}
	return &bridge, nil
}

// AddChannel places a channel into a bridge.
func (c *Client) AddChannel(ctx context.Context, bridgeID, channelID string) error {
	endpoint := fmt.Sprintf("%s/bridges/%s/addChannel", c.baseURL, url.PathEscape(bridgeID))
	q := url.Values{}
	q.Set("channel", channelID)
	return c.post(ctx, endpoint, q, nil)
}

// DestroyBridge destroys a bridge.
func (c *Client) DestroyBridge(ctx context.Context, bridgeID string) error {
	endpoint := fmt.Sprintf("%s/bridges/%s", c.baseURL, url.PathEscape(bridgeID))
	return c.del(ctx, endpoint)
}

// ExternalMediaParams bind a local RTP endpoint into the call.
type ExternalMediaParams struct {
	App          string
	ExternalHost string // "host:port" of the allocated media port
	Format       string // narrowband codec name, e.g. "ulaw"
}

// ExternalMedia creates the media channel that carries call audio to and
// from the local UDP port.
func (c *Client) ExternalMedia(ctx context.Context, params *ExternalMediaParams) (*Channel, error) {
	endpoint := fmt.Sprintf("%s/channels/externalMedia", c.baseURL)
	q := url.Values{}
	q.Set("app", params.App)
	q.Set("external_host", params.ExternalHost)
	q.Set("format", params.Format)

	var ch Channel
	if err := c.post(ctx, endpoint, q, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// Error represents a signaling server API error.
type Error struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("signaling error %d: %s", e.StatusCode, e.Message)
}

// post performs a POST request with query parameters.
func (c *Client) post(ctx context.Context, endpoint string, q url.Values, result any) error {
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, result)
}

// del performs a DELETE request.
func (c *Client) del(ctx context.Context, endpoint string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// do executes a request with authentication.
func (c *Client) do(req *http.Request, result any) error {
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		apiErr := &Error{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return apiErr
	}

	if result != nil && len(body) > 0 {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return nil
}
