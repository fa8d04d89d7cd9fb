package claude

// Fixed user-visible messages emitted inside the SSE stream when upstream
// refuses or the request short-circuits. They are terminal: after one of
// these the stream closes normally.
const (
	EmptyPromptMessage = "The prompt is empty. Please enter a message and try again."

	PromptTooLongMessage = "The prompt is too long for this conversation. Please shorten it or start a new conversation."

	ExceedLimitMessage = "This account has hit the upstream usage limit. Please switch accounts or retry later."

	AccountExpiredMessage = "This account has expired or is unavailable. Please switch to another account."

	CreateConversationFailedMessage = "Failed to create a new conversation. Please try again."
)
