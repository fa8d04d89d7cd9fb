package claude

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/revgate/claude-gateway/internal/sse"
)

// StreamRequest carries everything one completion stream needs.
type StreamRequest struct {
	Prompt         string
	ConversationID string
	Model          Model
	Tier           Tier
	ClientIdx      int
	Attachments    []map[string]any
	Files          []string

	// NewConversation asks the client to register ConversationID upstream
	// before the first attempt.
	NewConversation bool

	// OnComplete is invoked exactly once with the accumulated assistant
	// text after the stream closes cleanly. It is skipped when retries
	// exhaust or a terminal upstream error ends the stream.
	OnComplete func(assistantText string)
}

// retryableError marks upstream faults worth reopening the connection for.
type retryableError struct{ reason string }

func (e *retryableError) Error() string { return "claude: retryable upstream error: " + e.reason }

// terminal frame classification results.
type terminalKind int

const (
	terminalNone terminalKind = iota
	terminalAccountDead
	terminalCooldown
	terminalTooLong
)

// StreamCompletion opens the upstream completion stream and pushes every
// output token through emit, in arrival order. Inline upstream error
// payloads become status transitions and fixed messages; transient faults
// reopen the connection up to MaxRetries times. When retries exhaust, an
// "error:" line is emitted and OnComplete is skipped.
func (c *Client) StreamCompletion(ctx context.Context, req StreamRequest, emit func(token string) error) error {
	if strings.TrimSpace(req.Prompt) == "" {
		return emit(EmptyPromptMessage)
	}

	if req.NewConversation {
		if err := c.createWithRetry(ctx, req.ConversationID); err != nil {
			log.Error().Err(err).Str("conversation_id", req.ConversationID).Msg("conversation create failed")
			return emit(CreateConversationFailedMessage)
		}
	}

	payload := c.buildCompletionPayload(req)
	url := fmt.Sprintf("%s/api/organizations/%s/chat_conversations/%s/completion",
		c.opts.BaseURL, c.organizationID, req.ConversationID)

	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		done, err := c.streamOnce(ctx, url, payload, req, emit)
		if err == nil {
			return done
		}
		var retryable *retryableError
		if !errors.As(err, &retryable) && !isTransportError(err) {
			return err
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Int("max", c.opts.MaxRetries).
			Str("tier", string(req.Tier)).Int("idx", req.ClientIdx).
			Msg("completion stream failed, reopening")
		if attempt < c.opts.MaxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.opts.RetryWait):
			}
		}
	}
	return emit("error: " + lastErr.Error())
}

// streamOnce runs a single upstream attempt. The returned error, when
// retryable, asks the caller to reopen; a nil error means the attempt ended
// the stream (cleanly or with a terminal message already emitted).
func (c *Client) streamOnce(ctx context.Context, url, payload string, req StreamRequest, emit func(string) error) (finalErr, attemptErr error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(payload))
	if err != nil {
		return nil, err
	}
	c.headers(httpReq, true)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		kind, message, classifyErr := c.classifyFrame(ctx, string(body), req)
		if classifyErr != nil {
			return nil, classifyErr
		}
		if kind != terminalNone {
			return emit(message), nil
		}
		return nil, &retryableError{reason: fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(string(body), 120))}
	}

	var (
		accumulated strings.Builder
		markedUp    bool
	)
	decoder := sse.NewDecoder(resp.Body)
	for {
		event, err := decoder.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
		}

		kind, message, classifyErr := c.classifyFrame(ctx, event.Data, req)
		if classifyErr != nil {
			return nil, classifyErr
		}
		if kind != terminalNone {
			return emit(message), nil
		}

		token := gjson.Get(event.Data, "completion")
		if !token.Exists() {
			continue
		}
		if !markedUp {
			markedUp = true
			if err := c.status.SetActive(ctx, req.Tier, req.ClientIdx); err != nil {
				log.Error().Err(err).Msg("status set_active failed")
			}
		}
		accumulated.WriteString(token.String())
		if err := emit(token.String()); err != nil {
			// Caller is gone; no history write.
			return err, nil
		}
	}

	if req.OnComplete != nil {
		req.OnComplete(accumulated.String())
	}
	return nil, nil
}

// classifyFrame inspects one raw data frame for inline error payloads and
// performs the matching status transition. The checks run on every attempt
// so a cooldown marker short-circuits further retries.
func (c *Client) classifyFrame(ctx context.Context, data string, req StreamRequest) (terminalKind, string, error) {
	if gjson.Get(data, "completion").Exists() {
		return terminalNone, "", nil
	}

	if strings.Contains(data, "Invalid model") || strings.Contains(data, "Organization has no active Self-Serve Stripe") {
		if err := c.status.SetError(ctx, req.Tier, req.ClientIdx); err != nil {
			log.Error().Err(err).Msg("status set_error failed")
		}
		log.Error().Str("tier", string(req.Tier)).Int("idx", req.ClientIdx).
			Str("frame", truncate(data, 200)).Msg("credential marked dead by upstream")
		return terminalAccountDead, AccountExpiredMessage, nil
	}

	if strings.Contains(data, "exceeded_limit") {
		resetsAt := parseResetsAt(data)
		if resetsAt > 0 {
			start := resetsAt - c.opts.CooldownSeconds
			if err := c.status.SetLimited(ctx, req.Tier, req.ClientIdx, start, req.Model); err != nil {
				log.Error().Err(err).Msg("status set_limited failed")
			}
		}
		return terminalCooldown, ExceedLimitMessage, nil
	}

	if strings.Contains(data, "too long") {
		return terminalTooLong, PromptTooLongMessage, nil
	}

	if strings.Contains(data, "concurrent connections has") || strings.Contains(data, "Rate exceeded") {
		return terminalNone, "", &retryableError{reason: "connection limit"}
	}

	if strings.Contains(data, "error") {
		return terminalNone, "", &retryableError{reason: truncate(data, 120)}
	}

	return terminalNone, "", nil
}

// parseResetsAt digs the reset epoch out of the doubly-encoded error
// payload: error.message is itself a JSON document carrying resetsAt.
func parseResetsAt(data string) int64 {
	inner := gjson.Get(data, "error.message").String()
	if ts := gjson.Get(inner, "resetsAt"); ts.Exists() {
		return ts.Int()
	}
	// Some payload variants put resetsAt at the top level.
	return gjson.Get(data, "resetsAt").Int()
}

// buildCompletionPayload renders the upstream request body. Basic-tier
// accounts omit the model field so the account default applies.
func (c *Client) buildCompletionPayload(req StreamRequest) string {
	payload := `{"attachments":[],"files":[],"timezone":"Asia/Shanghai","rendering_mode":"raw"}`
	if len(req.Attachments) > 0 {
		payload, _ = sjson.Set(payload, "attachments", req.Attachments)
	}
	if len(req.Files) > 0 {
		payload, _ = sjson.Set(payload, "files", req.Files)
	}
	payload, _ = sjson.Set(payload, "prompt", req.Prompt)
	if req.Tier.Normalize() == TierPlus {
		payload, _ = sjson.Set(payload, "model", string(req.Model))
	}
	return payload
}

func (c *Client) createWithRetry(ctx context.Context, conversationID string) error {
	var lastErr error
	for attempt := 1; attempt <= c.opts.CreateRetries; attempt++ {
		if _, err := c.CreateConversation(ctx, conversationID); err == nil {
			return nil
		} else {
			lastErr = err
		}
		log.Warn().Err(lastErr).Int("attempt", attempt).Int("max", c.opts.CreateRetries).
			Msg("conversation create failed, retrying")
		if attempt < c.opts.CreateRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.opts.CreateWait):
			}
		}
	}
	return lastErr
}

func isTransportError(err error) bool {
	return errors.Is(err, ErrNetwork)
}
