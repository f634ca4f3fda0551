package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/loftboard/relay/models"
)

func TestInboundRouter(t *testing.T) {
	ctx := context.Background()
	cc := ConnContext{SessionID: "s1", Principal: models.Principal{UserID: "u1"}}

	t.Run("RegisterAndDispatch", func(t *testing.T) {
		r := newInboundRouter(testLogger())

		var got models.Envelope
		err := r.register("card.moved", func(_ context.Context, _ ConnContext, env models.Envelope) error {
			got = env
			return nil
		})
		if err != nil {
			t.Fatalf("register() error = %v", err)
		}

		env := models.Envelope{Name: "card.moved", Params: map[string]string{models.ParamID: "b1-c1"}}
		if err := r.dispatch(ctx, cc, env); err != nil {
			t.Fatalf("dispatch() error = %v", err)
		}
		if got.Name != "card.moved" || got.InstanceID() != "b1-c1" {
			t.Errorf("handler received %+v, want the dispatched envelope", got)
		}
	})

	t.Run("DuplicateRegistration", func(t *testing.T) {
		r := newInboundRouter(testLogger())
		noop := func(context.Context, ConnContext, models.Envelope) error { return nil }

		if err := r.register("card.moved", noop); err != nil {
			t.Fatalf("first register() error = %v", err)
		}
		err := r.register("card.moved", noop)
		if !errors.Is(err, ErrHandlerRegistered) {
			t.Errorf("second register() error = %v, want %v", err, ErrHandlerRegistered)
		}
	})

	t.Run("UnknownEventName", func(t *testing.T) {
		r := newInboundRouter(testLogger())
		err := r.dispatch(ctx, cc, models.Envelope{Name: "never.registered"})
		if !errors.Is(err, ErrNoHandler) {
			t.Errorf("dispatch() error = %v, want %v", err, ErrNoHandler)
		}
	})

	t.Run("HandlerErrorPropagates", func(t *testing.T) {
		r := newInboundRouter(testLogger())
		wantErr := errors.New("mutation failed")
		r.register("board.updated", func(context.Context, ConnContext, models.Envelope) error {
			return wantErr
		})

		err := r.dispatch(ctx, cc, models.Envelope{Name: "board.updated"})
		if !errors.Is(err, wantErr) {
			t.Errorf("dispatch() error = %v, want %v", err, wantErr)
		}
	})
}
