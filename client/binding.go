package client

import (
	"encoding/json"
	"fmt"

	"github.com/loftboard/relay/models"
)

// Converter decodes raw envelope data into a typed value before the
// callback sees it. Nil means the callback receives json.RawMessage.
type Converter func(data json.RawMessage) (any, error)

// On describes one event the binding reacts to. Params narrow the match
// beyond the event name: every listed key must be present with the same
// value in the incoming envelope's params.
type On struct {
	Name     string
	Params   map[string]string
	Convert  Converter
	Callback func(value any)
}

// Binding ties a set of event reactions to one topic instance. Activating
// it subscribes the underlying client to the scope and wires the
// listeners; releasing it tears both down. The same client can carry any
// number of bindings, including several on the same scope.
type Binding struct {
	Topic      models.Topic
	InstanceID string
	Handlers   []On
}

// ActiveBinding is a live binding. Release undoes everything Activate did.
type ActiveBinding struct {
	client  *Binding
	c       *Client
	scope   models.Scope
	removes []func()
}

// Activate subscribes to the binding's scope and registers its handlers.
// Incoming envelopes are filtered by the binding's instance id, so two
// bindings on different boards sharing an event name never cross.
func (c *Client) Activate(b *Binding) (*ActiveBinding, error) {
	scope := models.ScopeOf(b.Topic, b.InstanceID)
	if !scope.Valid() {
		return nil, fmt.Errorf("invalid binding scope %s:%s", b.Topic, b.InstanceID)
	}

	if err := c.Subscribe(b.Topic, b.InstanceID); err != nil {
		return nil, err
	}

	ab := &ActiveBinding{client: b, c: c, scope: scope}
	for _, h := range b.Handlers {
		handler := h // capture per iteration
		remove := c.Listen(handler.Name, func(env models.Envelope) {
			if !matches(env, scope, handler.Params) {
				return
			}
			var value any = env.Data
			if handler.Convert != nil {
				converted, err := handler.Convert(env.Data)
				if err != nil {
					c.logger.Error("Binding converter failed", "event", handler.Name, "scope", scope.Key(), "error", err)
					return
				}
				value = converted
			}
			handler.Callback(value)
		})
		ab.removes = append(ab.removes, remove)
	}
	return ab, nil
}

// Send emits an envelope addressed to the binding's instance. The
// instance id is stamped into params so server-side handlers can route
// without inspecting the payload.
func (ab *ActiveBinding) Send(name string, params map[string]string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	if params == nil {
		params = make(map[string]string)
	}
	if ab.scope.InstanceID != "" {
		params[models.ParamID] = ab.scope.InstanceID
	}
	return ab.c.Send(models.Envelope{
		Name:   name,
		Params: params,
		Data:   raw,
	})
}

// Release removes the binding's listeners and unsubscribes from its
// scope. Safe to call once; a released binding is inert.
func (ab *ActiveBinding) Release() error {
	for _, remove := range ab.removes {
		remove()
	}
	ab.removes = nil
	return ab.c.Unsubscribe(ab.scope.Topic, ab.scope.InstanceID)
}

func matches(env models.Envelope, scope models.Scope, params map[string]string) bool {
	if scope.InstanceID != "" && env.InstanceID() != scope.InstanceID {
		return false
	}
	for k, want := range params {
		if env.Params[k] != want {
			return false
		}
	}
	return true
}
