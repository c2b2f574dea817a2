package workerproc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"retrospect-backend/internal/analyses"
	"retrospect-backend/internal/queue"
)

// MessageMeta captures details useful for logging and diagnostics.
type MessageMeta struct {
	BodyLen int
	BodySHA string
}

// ComputeMeta returns the body length and SHA-256 hash.
func ComputeMeta(body string) MessageMeta {
	if body == "" {
		return MessageMeta{BodyLen: 0, BodySHA: ""}
	}
	sum := sha256.Sum256([]byte(body))
	return MessageMeta{BodyLen: len(body), BodySHA: hex.EncodeToString(sum[:])}
}

// ErrEmptyBody indicates an empty queue payload.
type ErrEmptyBody struct {
	Meta MessageMeta
}

func (e ErrEmptyBody) Error() string { return "empty message body" }

// ErrDecode indicates a JSON decode failure.
type ErrDecode struct {
	Meta MessageMeta
	Err  error
}

func (e ErrDecode) Error() string {
	if e.Err == nil {
		return "decode message"
	}
	return "decode message: " + e.Err.Error()
}

func (e ErrDecode) Unwrap() error { return e.Err }

// ErrMissingRequestID indicates a message without a request id.
type ErrMissingRequestID struct {
	Meta    MessageMeta
	TraceID string
}

func (e ErrMissingRequestID) Error() string { return "missing request id" }

// ErrProcess indicates processing failed after successful parsing.
type ErrProcess struct {
	RequestID string
	TraceID   string
	Err       error
}

func (e ErrProcess) Error() string {
	if e.Err == nil {
		return "process analysis"
	}
	return "process analysis: " + e.Err.Error()
}

func (e ErrProcess) Unwrap() error { return e.Err }

// ParseMessage validates and decodes the queue payload.
func ParseMessage(body string) (queue.Message, MessageMeta, error) {
	meta := ComputeMeta(body)
	if strings.TrimSpace(body) == "" {
		return queue.Message{}, meta, ErrEmptyBody{Meta: meta}
	}

	msg, err := queue.DecodeMessage([]byte(body))
	if err != nil {
		return queue.Message{}, meta, ErrDecode{Meta: meta, Err: err}
	}
	if strings.TrimSpace(msg.RequestID) == "" {
		return msg, meta, ErrMissingRequestID{Meta: meta, TraceID: msg.TraceID}
	}
	return msg, meta, nil
}

// Processor runs analysis requests. *analyses.Service satisfies it.
type Processor interface {
	Run(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (analyses.AnalysisRequest, error)
}

// Outcome tells the consumer what to do with a delivery.
type Outcome int

const (
	// Ack deletes the message.
	Ack Outcome = iota
	// Redeliver leaves the message for another attempt after its visibility timeout.
	Redeliver
)

// HandleMessage parses and processes one payload and decides its fate.
// Unrecoverable payloads are acked with their parse error. A processing
// error is redelivered only while the request is still Queued; otherwise
// another path owns the request and the message is dropped.
func HandleMessage(ctx context.Context, proc Processor, body string) (queue.Message, Outcome, error) {
	if proc == nil {
		return queue.Message{}, Redeliver, errors.New("analysis service not configured")
	}
	msg, _, err := ParseMessage(body)
	if err != nil {
		return msg, Ack, err
	}

	runCtx := analyses.WithTraceID(ctx, msg.TraceID)
	err = proc.Run(runCtx, msg.RequestID)
	if err == nil {
		return msg, Ack, nil
	}
	procErr := ErrProcess{RequestID: msg.RequestID, TraceID: msg.TraceID, Err: err}
	if errors.Is(err, analyses.ErrNotFound) || errors.Is(err, analyses.ErrInvalidTransition) {
		return msg, Ack, procErr
	}
	req, getErr := proc.Get(runCtx, msg.RequestID)
	if getErr == nil && req.Status != analyses.StatusQueued {
		return msg, Ack, procErr
	}
	return msg, Redeliver, procErr
}
