package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/revgate/claude-gateway/internal/claude"
)

// ChatRequest is the body of a chat call.
type ChatRequest struct {
	Message        string           `json:"message"`
	Model          string           `json:"model"`
	Stream         bool             `json:"stream"`
	ConversationID string           `json:"conversation_id,omitempty"`
	ClientIdx      int              `json:"client_idx"`
	ClientType     string           `json:"client_type"`
	Attachments    []map[string]any `json:"attachments,omitempty"`
	Files          []string         `json:"files,omitempty"`
	NeedWebSearch  bool             `json:"need_web_search,omitempty"`
}

// Tier maps the wire tag to a tier, folding the legacy "normal" tag onto
// basic.
func (r ChatRequest) Tier() claude.Tier {
	return claude.Tier(r.ClientType).Normalize()
}

func decodeChatRequest(r *http.Request) (ChatRequest, error) {
	var req ChatRequest
	req.Stream = true
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		return ChatRequest{}, err
	}
	if req.ClientType == "" {
		return ChatRequest{}, errors.New("client_type is required")
	}
	return req, nil
}

// bearerToken returns the tenant key from the Authorization header. Both the
// bare token and the Bearer form are accepted.
func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
}
