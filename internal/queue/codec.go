package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"github.com/seantiz/simflow/internal/model"
)

// ErrMalformedMessage is returned when a message fails envelope or payload validation.
var ErrMalformedMessage = errors.New("malformed stage message")

// NewMessage wraps a typed payload in the routing envelope.
func NewMessage(p model.StagePayload) (model.StageMessage, error) {
	if err := p.Validate(); err != nil {
		return model.StageMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	body, err := sonic.Marshal(p)
	if err != nil {
		return model.StageMessage{}, fmt.Errorf("encode %s payload: %w", p.Step(), err)
	}
	return model.StageMessage{
		WorkflowID: p.Workflow(),
		Step:       p.Step(),
		Payload:    body,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Decode unpacks the typed payload of msg and validates it against the envelope.
func Decode[T model.StagePayload](msg model.StageMessage) (T, error) {
	var p T
	if err := msg.Validate(); err != nil {
		return p, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := sonic.Unmarshal(msg.Payload, &p); err != nil {
		return p, fmt.Errorf("%w: decode payload: %v", ErrMalformedMessage, err)
	}
	if p.Step() != msg.Step {
		return p, fmt.Errorf("%w: payload for %s on %s queue", ErrMalformedMessage, p.Step(), msg.Step)
	}
	if p.Workflow() != msg.WorkflowID {
		return p, fmt.Errorf("%w: payload workflow %q does not match envelope %q", ErrMalformedMessage, p.Workflow(), msg.WorkflowID)
	}
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return p, nil
}

func marshalEnvelope(msg model.StageMessage) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return sonic.Marshal(msg)
}

func unmarshalEnvelope(data []byte) (model.StageMessage, error) {
	var msg model.StageMessage
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return msg, nil
}
