package v1

// InputKind names how the user produced the message. Voice and image inputs
// arrive already transcribed; the kind is kept for history and analytics.
const (
	InputKindText  = "text"
	InputKindVoice = "voice"
	InputKindImage = "image"
)

// SubmitMessageRequest is a chat message from a user. The server decides
// whether it is answered inline or becomes a background task.
type SubmitMessageRequest struct {
	UserID    string       `json:"user_id" binding:"required,max=128"`
	Content   string       `json:"content" binding:"required,max=20000"`
	InputKind string       `json:"input_kind" binding:"omitempty,oneof=text voice image"`
	Priority  TaskPriority `json:"priority" binding:"omitempty,oneof=urgent high normal low"`
}

// Message response types.
const (
	MessageTypeAnswer   = "answer"
	MessageTypeAccepted = "accepted"
)

// MessageResponse is the synchronous reply to a submitted message. An
// "answer" carries Text; an "accepted" names the background task and carries
// the acknowledgement the user sees.
type MessageResponse struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	TaskID string `json:"task_id,omitempty"`
	Reply  string `json:"reply,omitempty"`
}

// ErrorResponse is the common error body for all endpoints
type ErrorResponse struct {
	Error      string `json:"error"`
	Kind       string `json:"kind,omitempty"`
	RetryAfter int64  `json:"retry_after_ms,omitempty"`
}
