package queue

import (
	"testing"
)

func TestDecodeMessageFields(t *testing.T) {
	payload := []byte(`{"requestId":"req-456","traceId":"trace-1","enqueuedAt":"2026-01-30T22:00:00Z","version":1}`)

	got, err := DecodeMessage(payload)
	if err != nil {
		t.Fatalf("decode message: %v", err)
	}
	want := Message{RequestID: "req-456", TraceID: "trace-1", EnqueuedAt: "2026-01-30T22:00:00Z", Version: MessageVersion}
	if got != want {
		t.Fatalf("decode mismatch: got %+v want %+v", got, want)
	}
}

func TestEncodeMessageOmitsEmptyTrace(t *testing.T) {
	payload, err := EncodeMessage(Message{RequestID: "req-1", EnqueuedAt: "2026-01-30T22:00:00Z", Version: MessageVersion})
	if err != nil {
		t.Fatalf("encode message: %v", err)
	}
	const want = `{"requestId":"req-1","enqueuedAt":"2026-01-30T22:00:00Z","version":1}`
	if string(payload) != want {
		t.Fatalf("payload = %s, want %s", payload, want)
	}
}

func TestDecodeMessageRejectsGarbage(t *testing.T) {
	if _, err := DecodeMessage([]byte("not json")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestReceiveCountParsing(t *testing.T) {
	tests := map[string]int{"": 0, "3": 3, "x": 0}
	for in, want := range tests {
		if got := parseReceiveCount(in); got != want {
			t.Fatalf("parseReceiveCount(%q) = %d, want %d", in, got, want)
		}
	}
}
