package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revgate/claude-gateway/internal/apikey"
	"github.com/revgate/claude-gateway/internal/claude"
	"github.com/revgate/claude-gateway/internal/config"
	"github.com/revgate/claude-gateway/internal/history"
	"github.com/revgate/claude-gateway/internal/registry"
	"github.com/revgate/claude-gateway/internal/sse"
	"github.com/revgate/claude-gateway/internal/status"
	"github.com/revgate/claude-gateway/internal/store"
)

type testEnv struct {
	handler  *Handler
	keys     *apikey.Manager
	statuses *status.Manager
	history  *history.Manager
	registry *registry.Manager
	store    *store.Memory
}

// upstreamHandler fakes the minimum upstream surface a chat needs.
func upstreamHandler(completion http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/organizations":
			_, _ = w.Write([]byte(`[{"uuid":"org-1"}]`))
		case strings.HasSuffix(r.URL.Path, "/chat_conversations"):
			_, _ = w.Write([]byte(`{"uuid":"created"}`))
		case strings.HasSuffix(r.URL.Path, "/completion"):
			completion(w, r)
		default:
			http.NotFound(w, r)
		}
	}
}

func newTestEnv(t *testing.T, completion http.HandlerFunc) *testEnv {
	t.Helper()
	server := httptest.NewServer(upstreamHandler(completion))
	t.Cleanup(server.Close)

	mem := store.NewMemory()
	keys := apikey.NewManager(mem, apikey.Quota{
		Window: 3 * time.Hour, BasicMax: 10, PlusMax: 60, AbuseCutoff: 150,
	})
	statuses := status.NewManager(mem, 8*time.Hour)
	histories := history.NewManager(mem)
	reg := registry.NewManager(mem, statuses, registry.Options{
		Seed:           "test-seed",
		ResolveRetries: 1,
		ResolveWait:    time.Millisecond,
		Client: claude.Options{
			BaseURL:    server.URL,
			MaxRetries: 2,
			RetryWait:  time.Millisecond,
		},
	})

	cfg := &config.Config{MaxPromptTokens: 180000}
	return &testEnv{
		handler:  NewHandler(cfg, keys, statuses, histories, reg),
		keys:     keys,
		statuses: statuses,
		history:  histories,
		registry: reg,
		store:    mem,
	}
}

// addCredential stores a cookie, loads the registry and returns the index.
func (env *testEnv) addCredential(t *testing.T, tier claude.Tier) int {
	t.Helper()
	ctx := context.Background()
	cookieKey, err := env.registry.UploadCookie(ctx, "tok-"+string(tier), tier, "acct")
	require.NoError(t, err)
	require.NoError(t, env.registry.Load(ctx, true))
	return env.registry.Index(cookieKey)
}

func (env *testEnv) addKey(t *testing.T, tier claude.Tier) string {
	t.Helper()
	key, err := env.keys.Create(context.Background(), 86400, tier)
	require.NoError(t, err)
	return key
}

func chatBody(t *testing.T, req ChatRequest) string {
	t.Helper()
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	return string(raw)
}

func doChat(t *testing.T, env *testEnv, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/claude/chat", strings.NewReader(body))
	if key != "" {
		req.Header.Set("Authorization", key)
	}
	rec := httptest.NewRecorder()
	env.handler.Router().ServeHTTP(rec, req)
	return rec
}

// decodeFrames parses the recorded SSE body into message strings.
func decodeFrames(t *testing.T, rec *httptest.ResponseRecorder) (messages []string, id string) {
	t.Helper()
	d := sse.NewDecoder(rec.Body)
	for {
		ev, err := d.Next()
		if err != nil {
			return messages, id
		}
		require.Equal(t, sse.EventName, ev.Name)
		var payload struct {
			Message string `json:"message"`
			ID      string `json:"id"`
		}
		require.NoError(t, json.Unmarshal([]byte(ev.Data), &payload))
		messages = append(messages, payload.Message)
		id = payload.ID
	}
}

func streamOf(tokens ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, token := range tokens {
			payload := fmt.Sprintf(`{"completion":%q}`, token)
			_, _ = w.Write([]byte("event: completion\ndata: " + payload + "\n\n"))
		}
	}
}

func TestChatRejectsMissingKey(t *testing.T) {
	env := newTestEnv(t, streamOf("x"))
	rec := doChat(t, env, "", `{"message":"hi","model":"claude-3-5-sonnet-20240620","stream":true,"client_type":"plus"}`)
	assert.Equal(t, StatusInvalidKey, rec.Code)
}

func TestChatRejectsUnknownKey(t *testing.T) {
	env := newTestEnv(t, streamOf("x"))
	rec := doChat(t, env, "sj-ffffffffffffffffffffffffffffffff",
		`{"message":"hi","model":"claude-3-5-sonnet-20240620","stream":true,"client_type":"plus"}`)
	assert.Equal(t, StatusInvalidKey, rec.Code)
}

func TestChatRejectsNonStreaming(t *testing.T) {
	env := newTestEnv(t, streamOf("x"))
	key := env.addKey(t, claude.TierPlus)
	rec := doChat(t, env, key, `{"message":"hi","model":"claude-3-5-sonnet-20240620","stream":false,"client_type":"plus"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatHappyPath(t *testing.T) {
	env := newTestEnv(t, streamOf("Hi", " world"))
	idx := env.addCredential(t, claude.TierPlus)
	key := env.addKey(t, claude.TierPlus)

	rec := doChat(t, env, key, chatBody(t, ChatRequest{
		Message:        "hello",
		Model:          string(claude.ModelSonnet35),
		Stream:         true,
		ConversationID: "conv-1",
		ClientIdx:      idx,
		ClientType:     "plus",
	}))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	messages, id := decodeFrames(t, rec)
	assert.Equal(t, []string{"Hi", " world", sse.Sentinel}, messages)
	assert.Equal(t, "conv-1", id)

	total, err := env.keys.UsageTotal(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)

	conversations, err := env.history.List(context.Background(), history.Request{
		APIKey: key, ClientIdx: idx, Tier: claude.TierPlus,
	})
	require.NoError(t, err)
	require.Len(t, conversations, 1)
	msgs := conversations[0].Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, history.RoleUser, msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, history.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hi world", msgs[1].Content)
}

func TestChatMintsConversationID(t *testing.T) {
	env := newTestEnv(t, streamOf("ok"))
	idx := env.addCredential(t, claude.TierPlus)
	key := env.addKey(t, claude.TierPlus)

	rec := doChat(t, env, key, chatBody(t, ChatRequest{
		Message:    "hello",
		Model:      string(claude.ModelSonnet35),
		Stream:     true,
		ClientIdx:  idx,
		ClientType: "plus",
	}))

	messages, id := decodeFrames(t, rec)
	assert.Equal(t, []string{"ok", sse.Sentinel}, messages)
	assert.Len(t, id, 36, "minted conversation id is a uuid")
}

func TestChatEmptyPrompt(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("empty prompt must not reach upstream")
	})
	idx := env.addCredential(t, claude.TierPlus)
	key := env.addKey(t, claude.TierPlus)

	rec := doChat(t, env, key, chatBody(t, ChatRequest{
		Message:    "  ",
		Model:      string(claude.ModelSonnet35),
		Stream:     true,
		ClientIdx:  idx,
		ClientType: "plus",
	}))

	messages, _ := decodeFrames(t, rec)
	assert.Equal(t, []string{claude.EmptyPromptMessage, sse.Sentinel}, messages)

	usage, err := env.store.Get(context.Background(), fmt.Sprintf("usage-plus-%d", idx))
	if err == nil {
		assert.Equal(t, "0", usage, "credential usage untouched by empty prompts")
	}
}

func TestChatTierMismatch(t *testing.T) {
	env := newTestEnv(t, streamOf("x"))
	idx := env.addCredential(t, claude.TierPlus)
	key := env.addKey(t, claude.TierBasic)

	rec := doChat(t, env, key, chatBody(t, ChatRequest{
		Message:    "hello",
		Model:      string(claude.ModelSonnet35),
		Stream:     true,
		ClientIdx:  idx,
		ClientType: "plus",
	}))

	messages, _ := decodeFrames(t, rec)
	require.Len(t, messages, 2)
	assert.Contains(t, messages[0], "does not allow plus")
	assert.Equal(t, sse.Sentinel, messages[1])
}

func TestChatPlusModelOnBasicClient(t *testing.T) {
	env := newTestEnv(t, streamOf("x"))
	idx := env.addCredential(t, claude.TierBasic)
	key := env.addKey(t, claude.TierPlus)

	rec := doChat(t, env, key, chatBody(t, ChatRequest{
		Message:    "hello",
		Model:      string(claude.ModelOpus),
		Stream:     true,
		ClientIdx:  idx,
		ClientType: "basic",
	}))

	messages, _ := decodeFrames(t, rec)
	require.Len(t, messages, 2)
	assert.Contains(t, messages[0], "requires a plus client")
}

func TestChatQuotaExceeded(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("over-quota request must not reach upstream")
	})
	idx := env.addCredential(t, claude.TierBasic)
	key := env.addKey(t, claude.TierBasic)
	require.NoError(t, env.keys.IncrementUsage(context.Background(), key, 9))

	rec := doChat(t, env, key, chatBody(t, ChatRequest{
		Message:    "hello",
		Model:      string(claude.ModelSonnet35),
		Stream:     true,
		ClientIdx:  idx,
		ClientType: "basic",
	}))

	messages, _ := decodeFrames(t, rec)
	require.Len(t, messages, 2)
	assert.Contains(t, messages[0], "limited to 10 requests")
	assert.Equal(t, sse.Sentinel, messages[1])
}

func TestChatAbuseCutoffDeletesKey(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("banned request must not reach upstream")
	})
	idx := env.addCredential(t, claude.TierBasic)
	key := env.addKey(t, claude.TierBasic)
	require.NoError(t, env.keys.IncrementUsage(context.Background(), key, 149))

	rec := doChat(t, env, key, chatBody(t, ChatRequest{
		Message:    "hello",
		Model:      string(claude.ModelSonnet35),
		Stream:     true,
		ClientIdx:  idx,
		ClientType: "basic",
	}))

	messages, _ := decodeFrames(t, rec)
	require.Len(t, messages, 2)
	assert.Equal(t, bannedByAbuseMessage, messages[0])

	valid, err := env.keys.IsValid(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestChatUnknownClientIndex(t *testing.T) {
	env := newTestEnv(t, streamOf("x"))
	key := env.addKey(t, claude.TierPlus)

	rec := doChat(t, env, key, chatBody(t, ChatRequest{
		Message:    "hello",
		Model:      string(claude.ModelSonnet35),
		Stream:     true,
		ClientIdx:  42,
		ClientType: "plus",
	}))

	messages, _ := decodeFrames(t, rec)
	require.Len(t, messages, 2)
	assert.Contains(t, messages[0], "no client available")
}

func TestChatErroredCredentialStreamsFixedMessage(t *testing.T) {
	env := newTestEnv(t, streamOf("x"))
	idx := env.addCredential(t, claude.TierPlus)
	key := env.addKey(t, claude.TierPlus)
	require.NoError(t, env.statuses.EnsureExists(context.Background(), claude.TierPlus, idx))
	require.NoError(t, env.statuses.SetError(context.Background(), claude.TierPlus, idx))

	rec := doChat(t, env, key, chatBody(t, ChatRequest{
		Message:    "hello",
		Model:      string(claude.ModelSonnet35),
		Stream:     true,
		ClientIdx:  idx,
		ClientType: "plus",
	}))

	messages, _ := decodeFrames(t, rec)
	require.Len(t, messages, 2)
	assert.Equal(t, claude.AccountExpiredMessage, messages[0])
}

func TestChatUpstreamCooldownRecordsStatus(t *testing.T) {
	resetsAt := time.Now().Add(time.Hour).Unix()
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		frame := fmt.Sprintf(`{"error":{"message":"{\"resetsAt\":%d}","type":"exceeded_limit"}}`, resetsAt)
		_, _ = w.Write([]byte("event: error\ndata: " + frame + "\n\n"))
	})
	idx := env.addCredential(t, claude.TierPlus)
	key := env.addKey(t, claude.TierPlus)

	rec := doChat(t, env, key, chatBody(t, ChatRequest{
		Message:        "hello",
		Model:          string(claude.ModelOpus),
		Stream:         true,
		ConversationID: "conv-1",
		ClientIdx:      idx,
		ClientType:     "plus",
	}))

	messages, _ := decodeFrames(t, rec)
	assert.Equal(t, []string{claude.ExceedLimitMessage, sse.Sentinel}, messages)

	state, _, err := env.statuses.Describe(context.Background(), claude.TierPlus, idx)
	require.NoError(t, err)
	assert.Equal(t, status.StatusCD, state)

	conversations, err := env.history.List(context.Background(), history.Request{
		APIKey: key, ClientIdx: idx, Tier: claude.TierPlus,
	})
	require.NoError(t, err)
	assert.Empty(t, conversations, "no history write on cooldown")
}

func TestListModels(t *testing.T) {
	env := newTestEnv(t, streamOf("x"))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/claude/list_models", nil)
	rec := httptest.NewRecorder()
	env.handler.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var payload struct {
		Models []string            `json:"models"`
		Tiers  map[string][]string `json:"tiers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Len(t, payload.Models, 4)
	assert.Equal(t, []string{string(claude.ModelSonnet35)}, payload.Tiers["basic"])
}

func TestUploadImageRequiresKey(t *testing.T) {
	env := newTestEnv(t, streamOf("x"))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/claude/upload_image", strings.NewReader(""))
	rec := httptest.NewRecorder()
	env.handler.Router().ServeHTTP(rec, req)
	assert.Equal(t, StatusInvalidKey, rec.Code)
}

func TestConvertDocumentNotConfigured(t *testing.T) {
	env := newTestEnv(t, streamOf("x"))
	key := env.addKey(t, claude.TierBasic)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/claude/convert_document", strings.NewReader(""))
	req.Header.Set("Authorization", key)
	rec := httptest.NewRecorder()
	env.handler.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}
