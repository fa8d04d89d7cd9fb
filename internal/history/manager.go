// Package history keeps per-tenant conversation transcripts independently of
// upstream retention. Each (tenant key, credential index, tier) triple owns a
// hash keyed by conversation id; values are JSON transcripts.
//
// Pushes are read-modify-write and advisory: concurrent pushes for the same
// conversation may interleave, which is acceptable because history never
// feeds back into routing.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/revgate/claude-gateway/internal/claude"
	"github.com/revgate/claude-gateway/internal/store"
)

// Role of a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one transcript entry. Timestamp is nil until stamped.
type Message struct {
	Content   string     `json:"content"`
	Role      Role       `json:"role"`
	Timestamp *time.Time `json:"timestamp"`
}

// Conversation is the stored transcript of one upstream conversation.
type Conversation struct {
	ConversationID string       `json:"conversation_id"`
	Messages       []Message    `json:"messages"`
	Model          claude.Model `json:"model"`
}

// Request addresses one conversation log.
type Request struct {
	APIKey         string
	ClientIdx      int
	Tier           claude.Tier
	ConversationID string
	Model          claude.Model
}

// shanghai is the wall clock used for stamping, matching the deployment's
// user base.
var shanghai = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		return time.FixedZone("CST", 8*3600)
	}
	return loc
}()

// Manager stores and retrieves conversation transcripts.
type Manager struct {
	store store.Store

	now func() time.Time
}

// NewManager wires a Manager.
func NewManager(s store.Store) *Manager {
	return &Manager{store: s, now: time.Now}
}

// WithClock swaps the time source, for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Key builds the hash key for a request. The legacy "normal" tier tag maps
// onto basic so old clients keep reading the same log.
func Key(r Request) string {
	return fmt.Sprintf("conversation_history-%s-%d-%s", r.APIKey, r.ClientIdx, r.Tier.Normalize())
}

// Push appends messages to the conversation, stamping any missing
// timestamps with the Shanghai wall clock.
func (m *Manager) Push(ctx context.Context, r Request, messages []Message) error {
	key := Key(r)
	conv := Conversation{ConversationID: r.ConversationID, Model: r.Model}
	raw, err := m.store.HGet(ctx, key, r.ConversationID)
	switch {
	case err == nil:
		if err := json.Unmarshal([]byte(raw), &conv); err != nil {
			return fmt.Errorf("history: decode %s/%s: %w", key, r.ConversationID, err)
		}
	case errors.Is(err, store.ErrMissing):
		// First push for this conversation.
	default:
		return err
	}

	stamp := m.now().In(shanghai)
	for i := range messages {
		if messages[i].Timestamp == nil {
			t := stamp
			messages[i].Timestamp = &t
		}
	}
	conv.Messages = append(conv.Messages, messages...)

	out, err := json.Marshal(conv)
	if err != nil {
		return err
	}
	return m.store.HSet(ctx, key, r.ConversationID, string(out))
}

// List returns every conversation under the request's log, sorted ascending
// by the last message's timestamp. Messages that were stored without a
// timestamp are backfilled deterministically from epoch zero so the sort is
// stable across reads.
func (m *Manager) List(ctx context.Context, r Request) ([]Conversation, error) {
	fields, err := m.store.HGetAll(ctx, Key(r))
	if err != nil {
		return nil, err
	}
	conversations := make([]Conversation, 0, len(fields))
	for _, raw := range fields {
		var conv Conversation
		if err := json.Unmarshal([]byte(raw), &conv); err != nil {
			return nil, fmt.Errorf("history: decode entry in %s: %w", Key(r), err)
		}
		sentinel := time.Unix(0, 0).In(shanghai)
		for i := range conv.Messages {
			if conv.Messages[i].Timestamp == nil {
				t := sentinel
				conv.Messages[i].Timestamp = &t
				sentinel = sentinel.Add(time.Microsecond)
			}
		}
		conversations = append(conversations, conv)
	}
	sort.SliceStable(conversations, func(i, j int) bool {
		return lastTimestamp(conversations[i]).Before(lastTimestamp(conversations[j]))
	})
	return conversations, nil
}

func lastTimestamp(conv Conversation) time.Time {
	latest := time.Time{}
	for _, msg := range conv.Messages {
		if msg.Timestamp != nil && msg.Timestamp.After(latest) {
			latest = *msg.Timestamp
		}
	}
	return latest
}

// DeleteAll drops the whole log for a (tenant, credential, tier) triple.
func (m *Manager) DeleteAll(ctx context.Context, r Request) error {
	_, err := m.store.Del(ctx, Key(r))
	return err
}
