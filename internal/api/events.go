package api

// EventType names an outbound message pushed to task subscribers.
type EventType string

const (
	EventStatusUpdate         EventType = "status_update"
	EventOutputUpdate         EventType = "output_update"
	EventInteractionRequest   EventType = "interaction_request"
	EventInteractionProcessed EventType = "interaction_processed"
	// EventError answers a client message that could not be applied. It is
	// sent only to the connection that caused it.
	EventError EventType = "error"
)

// Event is the single envelope for every message a subscriber receives.
// Only the fields relevant to Type are populated.
type Event struct {
	Type          EventType    `json:"type"`
	TaskID        string       `json:"taskId"`
	Status        TaskStatus   `json:"status,omitempty"`
	Message       string       `json:"message,omitempty"`
	Result        *Result      `json:"result,omitempty"`
	Output        string       `json:"output,omitempty"`
	Interaction   *Interaction `json:"interaction,omitempty"`
	InteractionID string       `json:"interactionId,omitempty"`
}

// Result is the structured outcome parsed from a finished run.
type Result struct {
	Success bool         `json:"success"`
	Summary string       `json:"summary,omitempty"`
	Changes []FileChange `json:"changes"`
}

// ClientMessage is what a websocket subscriber may send to the daemon.
type ClientMessage struct {
	Type          string `json:"type"`
	TaskID        string `json:"taskId,omitempty"`
	InteractionID string `json:"interactionId,omitempty"`
	Response      string `json:"response,omitempty"`
}

const (
	ClientSubscribe           = "subscribe"
	ClientInteractionResponse = "interaction_response"
)
