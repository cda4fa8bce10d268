package shared

const (
	UserID = "user_id"

	// Rate-limited actions gated before queue interaction.
	ActionMessageSend  = "message_send"
	ActionConversation = "conversation_create"

	// Terminal error text stored on a job that exhausted its retry budget.
	ErrMaxRetriesExceeded = "Max retries exceeded"
)
