package store

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boardKinds() []Kind {
	return []Kind{
		{Name: "board", Foreign: map[string]string{"cards": "card", "members": "user"}},
		{Name: "card", Foreign: map[string]string{"assignees": "user"}},
		{Name: "user"},
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(slog.New(slog.NewTextHandler(io.Discard, nil)), boardKinds()...)
	require.NoError(t, err)
	return s
}

func TestNew(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := New(logger, Kind{Name: ""})
	assert.Error(t, err, "empty kind name must be rejected")

	_, err = New(logger, Kind{Name: "board"}, Kind{Name: "board"})
	assert.Error(t, err, "duplicate kind name must be rejected")
}

func TestHydration(t *testing.T) {
	t.Run("CreateThenMerge", func(t *testing.T) {
		s := newTestStore(t)

		inst, err := s.FromOne("card", json.RawMessage(`{"id":"c1","title":"Draft","points":3}`), false)
		require.NoError(t, err)
		assert.Equal(t, "c1", inst.ID())
		assert.Equal(t, "Draft", inst.StringField("title"))
		assert.Equal(t, 3.0, inst.NumberField("points"))

		// Partial payload merges; untouched fields survive.
		again, err := s.FromOne("card", json.RawMessage(`{"id":"c1","title":"Final"}`), false)
		require.NoError(t, err)
		assert.Same(t, inst, again, "same id must hydrate into the same instance")
		assert.Equal(t, "Final", inst.StringField("title"))
		assert.Equal(t, 3.0, inst.NumberField("points"))
	})

	t.Run("ReplaceDropsAbsentFields", func(t *testing.T) {
		s := newTestStore(t)
		s.FromOne("card", json.RawMessage(`{"id":"c1","title":"Draft","points":3}`), false)

		inst, err := s.FromOne("card", json.RawMessage(`{"id":"c1","title":"Draft"}`), true)
		require.NoError(t, err)
		assert.Nil(t, inst.Field("points"), "replace must drop fields absent from the payload")
	})

	t.Run("SamePayloadTwiceIsQuiet", func(t *testing.T) {
		s := newTestStore(t)
		payload := json.RawMessage(`{"id":"c1","title":"Draft"}`)
		_, err := s.FromOne("card", payload, false)
		require.NoError(t, err)

		fires := 0
		s.WatchField("card", "c1", "title", func(any) { fires++ })

		_, err = s.FromOne("card", payload, false)
		require.NoError(t, err)
		assert.Zero(t, fires, "rehydrating identical state must not fire watchers")
	})

	t.Run("UnknownKind", func(t *testing.T) {
		s := newTestStore(t)
		_, err := s.FromOne("ghost", json.RawMessage(`{"id":"g1"}`), false)
		assert.Error(t, err)
	})

	t.Run("MissingID", func(t *testing.T) {
		s := newTestStore(t)
		_, err := s.FromOne("card", json.RawMessage(`{"title":"no id"}`), false)
		assert.Error(t, err)
	})

	t.Run("CustomDecode", func(t *testing.T) {
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		s, err := New(logger, Kind{
			Name: "note",
			Decode: func(payload json.RawMessage) (string, map[string]any, error) {
				var raw struct {
					Key  string `json:"key"`
					Body string `json:"body"`
				}
				if err := json.Unmarshal(payload, &raw); err != nil {
					return "", nil, err
				}
				return raw.Key, map[string]any{"body": raw.Body}, nil
			},
		})
		require.NoError(t, err)

		inst, err := s.FromOne("note", json.RawMessage(`{"key":"n1","body":"hello"}`), false)
		require.NoError(t, err)
		assert.Equal(t, "n1", inst.ID())
		assert.Equal(t, "hello", inst.StringField("body"))
	})
}

func TestFromArray(t *testing.T) {
	s := newTestStore(t)
	out := s.FromArray("card", []json.RawMessage{
		json.RawMessage(`{"id":"c1","title":"One"}`),
		json.RawMessage(`not json`),
		json.RawMessage(`{"id":"c2","title":"Two"}`),
	}, false)

	require.Len(t, out, 2, "malformed payloads are skipped, not fatal")
	assert.NotNil(t, s.Get("card", "c1"))
	assert.NotNil(t, s.Get("card", "c2"))
}

func TestForeignResolution(t *testing.T) {
	s := newTestStore(t)
	s.FromOne("user", json.RawMessage(`{"id":"u1","name":"alice"}`), false)
	s.FromOne("card", json.RawMessage(`{"id":"c1","assignees":["u1","u2"]}`), false)
	card := s.Get("card", "c1")

	t.Run("ResolvesOnlyLiveTargets", func(t *testing.T) {
		resolved := card.Foreign("assignees")
		require.Len(t, resolved, 1, "u2 was never hydrated")
		assert.Equal(t, "u1", resolved[0].ID())
	})

	t.Run("LateHydrationAppears", func(t *testing.T) {
		s.FromOne("user", json.RawMessage(`{"id":"u2","name":"bob"}`), false)
		assert.Len(t, card.Foreign("assignees"), 2, "resolution happens at read time, never cached")
	})

	t.Run("NonForeignField", func(t *testing.T) {
		assert.Nil(t, card.Foreign("title"))
	})
}

func TestDeletionCascade(t *testing.T) {
	s := newTestStore(t)
	s.FromOne("user", json.RawMessage(`{"id":"u1"}`), false)
	s.FromOne("user", json.RawMessage(`{"id":"u2"}`), false)
	s.FromOne("board", json.RawMessage(`{"id":"b1","members":["u1","u2"],"cards":["c1"]}`), false)
	s.FromOne("card", json.RawMessage(`{"id":"c1","assignees":["u1"]}`), false)

	var cardAssignees []*Instance
	fired := false
	s.WatchForeign("card", "c1", "assignees", func(resolved []*Instance) {
		fired = true
		cardAssignees = resolved
	})

	s.Delete("user", "u1")

	assert.Nil(t, s.Get("user", "u1"))
	assert.True(t, fired, "foreign watcher must fire when a referenced instance is deleted")
	assert.Empty(t, cardAssignees)

	// The id is stripped everywhere, not just where a watcher was looking.
	board := s.Get("board", "b1")
	members := board.Foreign("members")
	require.Len(t, members, 1)
	assert.Equal(t, "u2", members[0].ID())
	assert.Equal(t, []string{"u2"}, board.Field("members"))

	t.Run("UpdateAfterDeleteDropped", func(t *testing.T) {
		s := newTestStore(t)
		s.FromOne("card", json.RawMessage(`{"id":"c1","title":"Draft"}`), false)
		inst := s.Get("card", "c1")
		s.Delete("card", "c1")

		inst.Update(map[string]any{"title": "Zombie"})
		assert.Equal(t, "Draft", inst.StringField("title"))
	})
}

func TestDeleteWhere(t *testing.T) {
	s := newTestStore(t)
	s.FromOne("card", json.RawMessage(`{"id":"c1","done":true}`), false)
	s.FromOne("card", json.RawMessage(`{"id":"c2","done":false}`), false)
	s.FromOne("card", json.RawMessage(`{"id":"c3","done":true}`), false)
	s.FromOne("board", json.RawMessage(`{"id":"b1","cards":["c1","c2","c3"]}`), false)

	n := s.DeleteWhere("card", func(inst *Instance) bool {
		v, _ := inst.Field("done").(bool)
		return v
	})
	assert.Equal(t, 2, n)
	assert.Nil(t, s.Get("card", "c1"))
	assert.NotNil(t, s.Get("card", "c2"))
	assert.Equal(t, []string{"c2"}, s.Get("board", "b1").Field("cards"))
}

func TestWatchers(t *testing.T) {
	t.Run("FieldWatcherSeesNewValue", func(t *testing.T) {
		s := newTestStore(t)
		s.FromOne("card", json.RawMessage(`{"id":"c1","title":"Draft"}`), false)

		var got any
		s.WatchField("card", "c1", "title", func(v any) { got = v })

		s.Get("card", "c1").Update(map[string]any{"title": "Final"})
		assert.Equal(t, "Final", got)
	})

	t.Run("UnsubscribeStopsDelivery", func(t *testing.T) {
		s := newTestStore(t)
		s.FromOne("card", json.RawMessage(`{"id":"c1","title":"Draft"}`), false)

		fires := 0
		remove := s.WatchField("card", "c1", "title", func(any) { fires++ })
		remove()
		remove() // second call is a no-op

		s.Get("card", "c1").Update(map[string]any{"title": "Final"})
		assert.Zero(t, fires)
	})

	t.Run("WatcherCanReadBackIntoStore", func(t *testing.T) {
		s := newTestStore(t)
		s.FromOne("card", json.RawMessage(`{"id":"c1","title":"Draft"}`), false)

		var seen string
		s.WatchField("card", "c1", "title", func(any) {
			// Re-entering the store from a watcher must not deadlock.
			seen = s.Get("card", "c1").StringField("title")
		})
		s.Get("card", "c1").Update(map[string]any{"title": "Final"})
		assert.Equal(t, "Final", seen)
	})

	t.Run("WatchModels", func(t *testing.T) {
		s := newTestStore(t)

		var matching []*Instance
		s.WatchModels("card", func(inst *Instance) bool {
			v, _ := inst.Field("done").(bool)
			return !v
		}, func(m []*Instance) { matching = m })

		s.FromOne("card", json.RawMessage(`{"id":"c1","done":false}`), false)
		require.Len(t, matching, 1)

		s.FromOne("card", json.RawMessage(`{"id":"c2","done":false}`), false)
		require.Len(t, matching, 2)

		s.Delete("card", "c1")
		require.Len(t, matching, 1)
		assert.Equal(t, "c2", matching[0].ID())
	})
}
