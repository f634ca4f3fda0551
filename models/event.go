package models

import (
	"encoding/json"
	"time"
)

// Envelope is the wire shape shared by inbound client events and outbound
// broadcasts: {name, params?, data}. Params commonly carries the topic
// instance id used for scoping ("id"), and composite keys where a topic
// is addressed by two domain ids.
type Envelope struct {
	Name   string            `json:"name"`
	Params map[string]string `json:"params,omitempty"`
	Data   json.RawMessage   `json:"data"`
}

// ParamID is the params key carrying the topic instance id.
const ParamID = "id"

func (e Envelope) InstanceID() string {
	return e.Params[ParamID]
}

/*
	Event is the transport-level record: an Envelope addressed to a scope,
	stamped at publish time. EventID lets at-least-once backends hand
	consumers something stable to deduplicate on.
*/

type Event struct {
	EventID   string    `json:"event_id"`
	Scope     Scope     `json:"scope"`
	Envelope  Envelope  `json:"envelope"`
	EmittedAt time.Time `json:"emitted_at"`
	Emitter   string    `json:"emitter,omitempty"`
}
