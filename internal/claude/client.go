// Package claude implements the upstream session client: the authenticated
// HTTP surface of one pooled browser credential. It resolves organizations,
// creates conversations, uploads images and streams completions, translating
// upstream error payloads into status transitions.
package claude

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DefaultBaseURL is the production upstream.
const DefaultBaseURL = "https://claude.ai"

var (
	// ErrUnserviceable means upstream answered but refused to serve the
	// credential (blocked region, revoked session).
	ErrUnserviceable = errors.New("claude: upstream refuses to serve this credential")

	// ErrNetwork wraps transport-level failures.
	ErrNetwork = errors.New("claude: network error")

	// ErrImageUpload means the upstream file endpoint rejected the upload.
	ErrImageUpload = errors.New("claude: image upload failed")
)

// refusalMarkers are body substrings that identify an upstream refusal
// rather than a transient fault.
var refusalMarkers = []string{
	"unable to serve",
	"have been blocked",
}

// Options tunes one session client. Zero values fall back to the production
// defaults.
type Options struct {
	BaseURL         string
	ConnectTimeout  time.Duration
	ReadTimeout     time.Duration
	PoolTimeout     time.Duration
	MaxRetries      int
	RetryWait       time.Duration
	CreateRetries   int
	CreateWait      time.Duration
	CooldownSeconds int64
}

func (o *Options) applyDefaults() {
	if o.BaseURL == "" {
		o.BaseURL = DefaultBaseURL
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 60 * time.Second
	}
	if o.ReadTimeout == 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.PoolTimeout == 0 {
		o.PoolTimeout = 600 * time.Second
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 5
	}
	if o.RetryWait == 0 {
		o.RetryWait = 3 * time.Second
	}
	if o.CreateRetries == 0 {
		o.CreateRetries = 3
	}
	if o.CreateWait == 0 {
		o.CreateWait = 2 * time.Second
	}
	if o.CooldownSeconds == 0 {
		o.CooldownSeconds = 8 * 3600
	}
}

// StatusSink receives the cooldown/error transitions the stream classifier
// derives from upstream payloads. Implemented by the status manager.
type StatusSink interface {
	SetLimited(ctx context.Context, tier Tier, idx int, startEpoch int64, model Model) error
	SetError(ctx context.Context, tier Tier, idx int) error
	SetActive(ctx context.Context, tier Tier, idx int) error
}

// Client is a live handle over one upstream credential.
type Client struct {
	cookieKey      string
	cookie         string
	organizationID string
	tier           Tier

	opts       Options
	httpClient *http.Client
	status     StatusSink
}

// NewClient builds a session client for a stored cookie. The organization id
// is not resolved yet; call ResolveOrganization before serving.
func NewClient(cookieKey, cookieValue string, tier Tier, sink StatusSink, opts Options) *Client {
	opts.applyDefaults()
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: opts.ConnectTimeout,
		}).DialContext,
		ResponseHeaderTimeout: opts.ReadTimeout,
		IdleConnTimeout:       opts.PoolTimeout,
	}
	return &Client{
		cookieKey:  cookieKey,
		cookie:     fixSessionKey(cookieValue),
		tier:       tier,
		opts:       opts,
		httpClient: &http.Client{Transport: transport},
		status:     sink,
	}
}

// fixSessionKey normalizes a stored token into a full cookie header value.
func fixSessionKey(cookie string) string {
	if !strings.Contains(cookie, "sessionKey=") {
		return "sessionKey=" + cookie
	}
	return cookie
}

// CookieKey returns the stable identifier of the backing cookie record.
func (c *Client) CookieKey() string { return c.cookieKey }

// Tier returns the credential's tier.
func (c *Client) Tier() Tier { return c.tier }

// OrganizationID returns the cached organization id, empty until resolved.
func (c *Client) OrganizationID() string { return c.organizationID }

// SetOrganizationID seeds the cached id, used when the registry already
// persisted a resolution.
func (c *Client) SetOrganizationID(id string) { c.organizationID = id }

func (c *Client) headers(req *http.Request, stream bool) {
	req.Header.Set("User-Agent", randomUserAgent())
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	req.Header.Set("Referer", c.opts.BaseURL+"/chats")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", c.opts.BaseURL)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Cookie", c.cookie)
	req.Header.Set("Sec-Fetch-Dest", "empty")
	req.Header.Set("Sec-Fetch-Mode", "cors")
	req.Header.Set("Sec-Fetch-Site", "same-origin")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
}

// ResolveOrganization fetches the organizations list and caches the first
// entry's uuid on the handle.
func (c *Client) ResolveOrganization(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.BaseURL+"/api/organizations", nil)
	if err != nil {
		return "", err
	}
	c.headers(req, false)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	lower := strings.ToLower(string(body))
	for _, marker := range refusalMarkers {
		if strings.Contains(lower, marker) {
			return "", ErrUnserviceable
		}
	}
	// The first organization is the account's own; upstream lists shared
	// ones after it.
	orgID := gjson.GetBytes(body, "0.uuid").String()
	if orgID == "" {
		return "", fmt.Errorf("%w: no organization in response (status %d)", ErrUnserviceable, resp.StatusCode)
	}
	c.organizationID = orgID
	return orgID, nil
}

// CreateConversation registers a conversation under the caller-minted uuid
// and returns the upstream-assigned id.
func (c *Client) CreateConversation(ctx context.Context, conversationID string) (string, error) {
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	payload, _ := sjson.Set(`{"name":""}`, "uuid", conversationID)
	url := fmt.Sprintf("%s/api/organizations/%s/chat_conversations", c.opts.BaseURL, c.organizationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(payload))
	if err != nil {
		return "", err
	}
	c.headers(req, false)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("claude: create conversation: status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	created := gjson.GetBytes(body, "uuid").String()
	if created == "" {
		created = conversationID
	}
	return created, nil
}

// UploadImage forwards a file to the upstream upload endpoint and returns
// the raw descriptor JSON.
func (c *Client) UploadImage(ctx context.Context, filename, contentType string, content io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	header := make(map[string][]string)
	header["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="file"; filename=%q`, filename)}
	if contentType != "" {
		header["Content-Type"] = []string{contentType}
	}
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/api/%s/upload", c.opts.BaseURL, c.organizationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, err
	}
	c.headers(req, false)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageUpload, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageUpload, err)
	}
	if resp.StatusCode >= 400 {
		log.Error().Int("status", resp.StatusCode).Str("cookie_key", c.cookieKey).
			Msg("upstream rejected image upload")
		return nil, fmt.Errorf("%w: status %d", ErrImageUpload, resp.StatusCode)
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
