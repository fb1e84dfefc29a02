// Package wsmarshaller converts between the engine's Frame and the JSON
// envelope spoken on client sockets. Frame bodies stay opaque; JSON carries
// them base64-encoded.
package wsmarshaller

import (
	"encoding/json"
	"fmt"

	"github.com/webitel/im-gateway-service/internal/domain/model"
)

// wireFrame is the client-facing envelope.
type wireFrame struct {
	Type    string           `json:"type"`
	ID      string           `json:"id,omitempty"`
	From    string           `json:"from,omitempty"`
	To      string           `json:"to,omitempty"`
	GroupID string           `json:"group,omitempty"`
	Body    []byte           `json:"body,omitempty"`
	SentAt  int64            `json:"ts,omitempty"`
	State   string           `json:"state,omitempty"`
	Reason  string           `json:"reason,omitempty"`
	Code    int              `json:"code,omitempty"`
	Counts  *model.AckCounts `json:"counts,omitempty"`
}

var typeNames = map[model.FrameType]string{
	model.FrameConnectAck: "connect-ack",
	model.FramePing:       "ping",
	model.FramePong:       "pong",
	model.FrameMsg:        "msg",
	model.FrameDelivery:   "delivery",
	model.FrameAck:        "ack",
	model.FrameError:      "error",
}

var typeValues = func() map[string]model.FrameType {
	m := make(map[string]model.FrameType, len(typeNames))
	for k, v := range typeNames {
		m[v] = k
	}
	return m
}()

var stateNames = map[model.AckState]string{
	model.AckSent:      "sent",
	model.AckDuplicate: "duplicate",
	model.AckFailed:    "failed",
}

// Marshal prepares a frame for socket transmission.
func Marshal(fr *model.Frame) ([]byte, error) {
	w := &wireFrame{
		ID:      fr.ID,
		From:    fr.From,
		To:      fr.To,
		GroupID: fr.GroupID,
		Body:    fr.Body,
		SentAt:  fr.SentAt,
		Reason:  fr.Reason,
		Code:    fr.Code,
		Counts:  fr.Counts,
	}
	name, ok := typeNames[fr.Type]
	if !ok {
		return nil, fmt.Errorf("ws marshal: unknown frame type %d", fr.Type)
	}
	w.Type = name
	if fr.State != 0 {
		w.State = stateNames[fr.State]
	}
	return json.Marshal(w)
}

// Unmarshal decodes one inbound client frame. Only types a client may send
// are accepted.
func Unmarshal(data []byte) (*model.Frame, error) {
	w := new(wireFrame)
	if err := json.Unmarshal(data, w); err != nil {
		return nil, fmt.Errorf("ws unmarshal: %w", err)
	}
	typ, ok := typeValues[w.Type]
	if !ok {
		return nil, fmt.Errorf("ws unmarshal: unknown frame type %q", w.Type)
	}
	switch typ {
	case model.FramePing, model.FramePong, model.FrameMsg, model.FrameAck:
	default:
		return nil, fmt.Errorf("ws unmarshal: client may not send %q frames", w.Type)
	}
	return &model.Frame{
		Type:    typ,
		ID:      w.ID,
		To:      w.To,
		GroupID: w.GroupID,
		Body:    w.Body,
		SentAt:  w.SentAt,
	}, nil
}
