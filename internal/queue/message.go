package queue

import "encoding/json"

// MessageVersion is the payload version written by this build.
const MessageVersion = 1

// Message asks a worker to run one analysis request.
type Message struct {
	RequestID  string `json:"requestId"`
	TraceID    string `json:"traceId,omitempty"`
	EnqueuedAt string `json:"enqueuedAt"`
	Version    int    `json:"version"`
}

// EncodeMessage returns the JSON representation of a message.
func EncodeMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeMessage parses a JSON payload into a Message.
func DecodeMessage(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}
