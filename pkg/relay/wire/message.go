// Package wire defines the JSON envelope and message body variants exchanged
// between a Connection and its peer. Framing is one JSON object per frame;
// the envelope is the sole unit of transmission over any Transport.
package wire

import (
	"encoding/json"
	"fmt"
)

// MID is a message identifier. ForgetID means "send-and-forget": no
// acknowledgement is expected and the envelope is neither retried nor
// deduplicated. Non-negative IDs are allocated per-connection, monotonically
// from 0, by the side that originates the envelope.
type MID int64

// ForgetID marks an envelope as fire-and-forget.
const ForgetID MID = -1

// Verb identifies the application-level intent of a route message.
type Verb string

const (
	VerbAny      Verb = "ANY"
	VerbGet      Verb = "GET"
	VerbPost     Verb = "POST"
	VerbUpdate   Verb = "UPDATE"
	VerbDelete   Verb = "DELETE"
	VerbListen   Verb = "LISTEN"
	VerbResponse Verb = "RESPONSE"
)

// Kind is the string discriminator carried in a message body's "type" field.
type Kind string

const (
	KindSet   Kind = "set"
	KindPing  Kind = "ping"
	KindOn    Kind = "on"
	KindOff   Kind = "off"
	KindRoute Kind = "route"
	KindRes   Kind = "res"
)

// Status codes used in "res" bodies.
const (
	StatusOK                 = 200
	StatusProcessing         = 202
	StatusBadRequest         = 400
	StatusNotFound           = 404
	StatusRateLimited        = 429
	StatusInternalError      = 500
	StatusRetryTimeout       = 504
)

// Message is the tagged-variant body of an envelope. Exactly one of the
// Set/Ping/On/Off/Route/Res fields is meaningful, selected by Type.
//
// This mirrors the wire shape of the teacher's WireMessage but widens it from
// a single pub/sub "kind" field to the full request/response + subscribe verb
// set this protocol needs.
type Message struct {
	Type Kind `json:"type"`

	// set
	Key   string `json:"key,omitempty"`
	Value any    `json:"value,omitempty"`

	// on / off / route
	Route string `json:"route,omitempty"`

	// route
	Verb    Verb              `json:"verb,omitempty"`
	Data    any               `json:"data,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// res
	Target MID `json:"target,omitempty"`
	Status int `json:"status,omitempty"`
}

// Envelope is the sole unit of transmission: a message id paired with a body.
type Envelope struct {
	ID  MID     `json:"id"`
	Msg Message `json:"msg"`
}

// Set builds a "set" body.
func Set(key string, value any) Message {
	return Message{Type: KindSet, Key: key, Value: value}
}

// Ping builds a "ping" body.
func Ping() Message {
	return Message{Type: KindPing}
}

// On builds an "on" (subscribe) body.
func On(route string) Message {
	return Message{Type: KindOn, Route: route}
}

// Off builds an "off" (unsubscribe) body.
func Off(route string) Message {
	return Message{Type: KindOff, Route: route}
}

// Route builds a "route" (request) body.
func Route(route string, verb Verb, data any, headers map[string]string) Message {
	return Message{Type: KindRoute, Route: route, Verb: verb, Data: data, Headers: headers}
}

// Res builds a "res" (acknowledgement/response) body. Res bodies are never
// themselves assigned an id that expects another res: constructing an
// Envelope{ID: id != ForgetID, Msg: Res(...)} is a programmer error, not a
// protocol-level condition, and callers that violate invariant 4 will panic
// at send time (see conn.Connection.Post).
func Res(target MID, status int, data any) Message {
	return Message{Type: KindRes, Target: target, Status: status, Data: data}
}

// MarshalJSON renders the envelope as {"id":..., "msg": {...}}.
func (e Envelope) MarshalJSON() ([]byte, error) {
	type wire struct {
		ID  MID     `json:"id"`
		Msg Message `json:"msg"`
	}
	return json.Marshal(wire(e))
}

// String renders a short human-readable description of the body, used in
// logging rather than in diagnostics shown to peers.
func (m Message) String() string {
	switch m.Type {
	case KindSet:
		return fmt.Sprintf("set %s", m.Key)
	case KindPing:
		return "ping"
	case KindOn:
		return fmt.Sprintf("on %s", m.Route)
	case KindOff:
		return fmt.Sprintf("off %s", m.Route)
	case KindRoute:
		return fmt.Sprintf("route %s %s", m.Verb, m.Route)
	case KindRes:
		return fmt.Sprintf("res target=%d status=%d", m.Target, m.Status)
	default:
		return fmt.Sprintf("unknown(%s)", m.Type)
	}
}

// ExpectsResponse reports whether an envelope with this body and id requires
// an acknowledgement: every body except "res" does, provided id != ForgetID.
func (m Message) ExpectsResponse(id MID) bool {
	return id != ForgetID && m.Type != KindRes
}
