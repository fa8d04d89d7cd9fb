package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"

	"github.com/revgate/claude-gateway/internal/apikey"
	"github.com/revgate/claude-gateway/internal/claude"
	"github.com/revgate/claude-gateway/internal/config"
	"github.com/revgate/claude-gateway/internal/history"
	"github.com/revgate/claude-gateway/internal/registry"
	"github.com/revgate/claude-gateway/internal/sse"
	"github.com/revgate/claude-gateway/internal/status"
)

const bannedByAbuseMessage = "Your API key has been banned for abuse and has been deleted."

// Handler wires the tenant-facing endpoints to the long-lived managers.
type Handler struct {
	cfg      *config.Config
	keys     *apikey.Manager
	statuses *status.Manager
	histories *history.Manager
	registry *registry.Manager

	converter DocumentConverter
	augmenter SearchAugmenter

	// encoder counts prompt tokens for the oversize pre-check. nil when
	// the encoding tables are unavailable; the check is skipped then.
	encoder *tiktoken.Tiktoken
}

func NewHandler(cfg *config.Config, keys *apikey.Manager, statuses *status.Manager,
	histories *history.Manager, reg *registry.Manager) *Handler {
	encoder, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		log.Warn().Err(err).Msg("token encoding unavailable, prompt size pre-check disabled")
		encoder = nil
	}
	return &Handler{
		cfg:       cfg,
		keys:      keys,
		statuses:  statuses,
		histories: histories,
		registry:  reg,
		encoder:   encoder,
	}
}

// WithConverter attaches the external document conversion engine.
func (h *Handler) WithConverter(c DocumentConverter) *Handler {
	h.converter = c
	return h
}

// WithAugmenter attaches the external web search augmenter.
func (h *Handler) WithAugmenter(a SearchAugmenter) *Handler {
	h.augmenter = a
	return h
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, msg string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Chat serves one SSE chat request end to end. Failures before the stream
// starts use HTTP statuses; after that every error is an in-stream frame
// followed by the closed sentinel.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	key := bearerToken(r)
	if key == "" {
		writeError(w, "missing API key", StatusInvalidKey)
		return
	}
	valid, err := h.keys.IsValid(ctx, key)
	if err != nil {
		writeError(w, "key validation failed", http.StatusInternalServerError)
		return
	}
	if !valid {
		writeError(w, "invalid or expired API key", StatusInvalidKey)
		return
	}

	req, err := decodeChatRequest(r)
	if err != nil {
		writeError(w, "malformed request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if !req.Stream {
		writeError(w, "non-streaming completions are not supported", http.StatusBadRequest)
		return
	}

	if err := h.keys.IncrementUsage(ctx, key, 1); err != nil {
		writeError(w, "usage accounting failed", http.StatusInternalServerError)
		return
	}
	if _, err := h.keys.Activate(ctx, key); err != nil {
		if errors.Is(err, apikey.ErrKeyExpired) {
			writeError(w, "invalid or expired API key", StatusInvalidKey)
			return
		}
		writeError(w, "key activation failed", http.StatusInternalServerError)
		return
	}

	conversationID := req.ConversationID
	newConversation := false
	if conversationID == "" {
		conversationID = uuid.NewString()
		newConversation = true
	}

	sse.SetHeaders(w)
	out := sse.NewWriter(w)
	finish := func(message string) {
		if message != "" {
			_ = out.Send(message, conversationID)
		}
		_ = out.Close(conversationID)
	}

	exceeded, banned, err := h.keys.HasExceededLimit(ctx, key)
	if err != nil {
		finish("error: usage check failed")
		return
	}
	if banned {
		log.Warn().Str("key", key).Msg("tenant key deleted at abuse cutoff")
		finish(bannedByAbuseMessage)
		return
	}
	if exceeded {
		finish(h.keys.GenerateExceedMessage(ctx, key))
		return
	}

	tier := req.Tier()
	model := claude.Model(req.Model)
	if msg := h.validateTierAndModel(ctx, key, tier, model); msg != "" {
		finish(msg)
		return
	}

	client, err := h.registry.Client(tier, req.ClientIdx)
	if err != nil {
		finish("error: no client available at the requested index")
		return
	}

	if msg := h.checkCredentialState(ctx, tier, req.ClientIdx); msg != "" {
		finish(msg)
		return
	}

	prompt := req.Message
	if strings.TrimSpace(prompt) == "" {
		finish(claude.EmptyPromptMessage)
		return
	}

	var citations []string
	if req.NeedWebSearch && h.augmenter != nil {
		augmented, found, err := h.augmenter.Augment(ctx, prompt)
		if err != nil {
			log.Error().Err(err).Msg("web search augmentation failed, using raw prompt")
		} else {
			prompt, citations = augmented, found
		}
	}

	if h.encoder != nil && len(h.encoder.Encode(prompt, nil, nil)) > h.cfg.MaxPromptTokens {
		finish(claude.PromptTooLongMessage)
		return
	}

	if err := h.statuses.IncrementUsage(ctx, tier, req.ClientIdx); err != nil {
		log.Error().Err(err).Msg("credential usage increment failed")
	}

	streamReq := claude.StreamRequest{
		Prompt:          prompt,
		ConversationID:  conversationID,
		Model:           model,
		Tier:            tier,
		ClientIdx:       req.ClientIdx,
		Attachments:     req.Attachments,
		Files:           req.Files,
		NewConversation: newConversation,
		OnComplete: func(assistantText string) {
			if len(citations) > 0 {
				assistantText += "\n" + strings.Join(citations, "\n")
			}
			h.pushHistory(key, req, conversationID, assistantText)
		},
	}

	err = client.StreamCompletion(ctx, streamReq, func(token string) error {
		return out.Send(token, conversationID)
	})
	if err != nil && !errors.Is(err, ctx.Err()) {
		log.Error().Err(err).Str("conversation_id", conversationID).Msg("completion stream ended with error")
	}
	if ctx.Err() != nil {
		// Caller is gone; nothing left to write.
		return
	}
	_ = out.Close(conversationID)
}

// validateTierAndModel rejects basic tenants asking for plus resources.
func (h *Handler) validateTierAndModel(ctx context.Context, key string, tier claude.Tier, model claude.Model) string {
	if !model.IsKnown() {
		return "error: unknown model " + string(model)
	}
	plusTenant, err := h.keys.IsPlus(ctx, key)
	if err != nil {
		return "error: tier lookup failed"
	}
	if tier == claude.TierPlus && !plusTenant {
		return "error: your API key does not allow plus clients"
	}
	if model.IsPlus() && tier == claude.TierBasic {
		return "error: model " + string(model) + " requires a plus client"
	}
	return ""
}

// checkCredentialState lazily reactivates expired cooldowns and reports
// unusable credentials as in-stream messages.
func (h *Handler) checkCredentialState(ctx context.Context, tier claude.Tier, idx int) string {
	if err := h.statuses.EnsureExists(ctx, tier, idx); err != nil {
		return "error: credential status unavailable"
	}
	ok, err := h.statuses.TryReactivate(ctx, tier, idx)
	if err != nil {
		return "error: credential status unavailable"
	}
	if ok {
		return ""
	}
	state, _, err := h.statuses.Describe(ctx, tier, idx)
	if err != nil {
		return "error: credential status unavailable"
	}
	if state == status.StatusError {
		return claude.AccountExpiredMessage
	}
	return claude.ExceedLimitMessage
}

// pushHistory records the finished exchange. A fresh context detaches the
// write from the request lifetime.
func (h *Handler) pushHistory(key string, req ChatRequest, conversationID, assistantText string) {
	hreq := history.Request{
		APIKey:         key,
		ClientIdx:      req.ClientIdx,
		Tier:           req.Tier(),
		ConversationID: conversationID,
		Model:          claude.Model(req.Model),
	}
	messages := []history.Message{
		{Content: req.Message, Role: history.RoleUser},
		{Content: assistantText, Role: history.RoleAssistant},
	}
	if err := h.histories.Push(context.Background(), hreq, messages); err != nil {
		log.Error().Err(err).Str("conversation_id", conversationID).Msg("history push failed")
	}
}
