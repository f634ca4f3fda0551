package models

/*
	Frames exchanged between the gateway and a socket client, outside of
	the Envelope broadcast path. The client drives subscriptions with
	control frames; the gateway answers with acks. A rejected subscribe is
	acked with granted=false and no further detail, so a caller cannot
	probe for the existence of private topics.
*/

const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameSubscribed  = "subscribed"
	FrameEvent       = "event"
)

type ClientFrame struct {
	Kind       string    `json:"kind"`
	Topic      Topic     `json:"topic,omitempty"`
	InstanceID string    `json:"instance_id,omitempty"`
	Envelope   *Envelope `json:"envelope,omitempty"`
}

type ServerFrame struct {
	Kind       string    `json:"kind"`
	Topic      Topic     `json:"topic,omitempty"`
	InstanceID string    `json:"instance_id,omitempty"`
	Granted    bool      `json:"granted,omitempty"`
	Envelope   *Envelope `json:"envelope,omitempty"`
}

// Principal is the authenticated identity attached to a connection for
// the lifetime of the socket. Validators and inbound handlers receive it.
type Principal struct {
	UserID    string `json:"user_id"`
	TokenUUID string `json:"token_uuid"`
	Admin     bool   `json:"admin,omitempty"`
}
