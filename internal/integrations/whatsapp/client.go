// Package whatsapp sends text replies through the WhatsApp Cloud API.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"whatsapp-agent/internal/domain"
	"whatsapp-agent/internal/integrations/paramstore"
)

const (
	defaultBaseURL    = "https://graph.facebook.com"
	defaultAPIVersion = "v21.0"

	// MaxBodyLength is the provider's limit on a text message body, in characters.
	MaxBodyLength = 4096
)

type textBody struct {
	Body string `json:"body"`
}

type sendRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	RecipientType    string   `json:"recipient_type"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             textBody `json:"text"`
}

// HTTPStatusError captures non-2xx responses from the Graph API.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("whatsapp: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Transient reports whether the send is worth retrying.
func (e *HTTPStatusError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type Client struct {
	baseURL     string
	apiVersion  string
	numberID    string
	httpClient  *http.Client
	getter      paramstore.Getter
	paramPrefix string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if s := strings.TrimSpace(baseURL); s != "" {
			c.baseURL = s
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithAPIVersion(version string) Option {
	return func(c *Client) {
		if s := strings.TrimSpace(version); s != "" {
			c.apiVersion = s
		}
	}
}

// NewClient builds a sender for the given business phone number id. The
// access token is read from <paramPrefix>/whatsapp-token on every send.
func NewClient(ps paramstore.Getter, paramPrefix, numberID string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("whatsapp: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("whatsapp: parameter prefix must not be empty")
	}
	numberID = strings.TrimSpace(numberID)
	if numberID == "" {
		return nil, errors.New("whatsapp: number id must not be empty")
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		apiVersion:  defaultAPIVersion,
		numberID:    numberID,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/whatsapp-token"
}

func (c *Client) messagesURL() string {
	return fmt.Sprintf("%s/%s/%s/messages", strings.TrimRight(c.baseURL, "/"), c.apiVersion, c.numberID)
}

// Truncate cuts s to at most limit characters.
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}

// Send posts a single text message. Bodies longer than MaxBodyLength are
// truncated.
func (c *Client) Send(ctx context.Context, msg domain.OutboundMessage) error {
	to := strings.TrimSpace(msg.Recipient)
	if to == "" {
		return errors.New("whatsapp: recipient must not be empty")
	}
	if strings.TrimSpace(msg.Body) == "" {
		return errors.New("whatsapp: body must not be empty")
	}

	token, err := paramstore.Token(ctx, c.getter, c.tokenParameterName())
	if err != nil {
		return fmt.Errorf("whatsapp: resolve access token: %w", err)
	}

	body, err := json.Marshal(sendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "text",
		Text:             textBody{Body: Truncate(msg.Body, MaxBodyLength)},
	})
	if err != nil {
		return fmt.Errorf("whatsapp: marshal request: %w", err)
	}

	url := c.messagesURL()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("whatsapp: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	httpClient := c.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	res, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(buf)}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<16))
	return nil
}
