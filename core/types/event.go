package types

// Event is the flat envelope the escrow and sale engines emit on every state
// transition. Type names the transition; Attributes carry the stringified
// identifiers and amounts the gateway relays to stream subscribers.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
