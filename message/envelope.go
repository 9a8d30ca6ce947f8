package message

// Kind distinguishes requests from responses on the wire.
type Kind uint8

const (
	// KindRequest is a message that expects a response
	KindRequest Kind = iota

	// KindResponse answers the request with the same message ID
	KindResponse
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Envelope is the frame a transport moves between workers.
type Envelope struct {
	From    WorkerID `json:"from"`
	To      WorkerID `json:"to"`
	Kind    Kind     `json:"kind"`
	Message *Message `json:"message"`
}

// NewRequest wraps msg as a request from one worker to another.
func NewRequest(from, to WorkerID, msg *Message) *Envelope {
	return &Envelope{From: from, To: to, Kind: KindRequest, Message: msg}
}

// Reply wraps msg as the response to env.
func (env *Envelope) Reply(msg *Message) *Envelope {
	return &Envelope{From: env.To, To: env.From, Kind: KindResponse, Message: msg}
}
