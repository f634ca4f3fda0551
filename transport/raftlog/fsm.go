package raftlog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/hashicorp/raft"

	"github.com/loftboard/relay/models"
	"github.com/loftboard/relay/transport"
)

// Events older than this are dropped at apply time instead of being pushed
// to live sockets. Restarted nodes replay the raft log from their last
// snapshot; without the window every historical broadcast would fire again.
var EventReplayWindow = 30 * time.Second

// How long an applied event id is remembered for duplicate suppression.
var seenEventTTL = 5 * time.Minute

const (
	cmdPublishEvent = "publish_event"

	seenKeyPrefix = "seen:"
)

type RaftCommand struct {
	Type    string `json:"type"`
	Payload []byte `json:"payload"`
}

/*
	logFsm is the state machine every node applies the replicated log
	through. Applying a publish command means: check the event is fresh,
	check we have not already delivered it (raft promises at-least-once
	apply across restarts, not exactly-once delivery to our receiver), then
	hand it to the local receiver for socket fan-out.

	Seen event ids live in badger with a TTL so the dedup set survives a
	process restart without growing forever.
*/
type logFsm struct {
	logger   *slog.Logger
	seenDb   *badger.DB
	receiver func() transport.ReceiverFunc
}

var _ raft.FSM = &logFsm{}

func (f *logFsm) Apply(l *raft.Log) any {
	switch l.Type {
	case raft.LogCommand:
		var cmd RaftCommand
		if err := json.Unmarshal(l.Data, &cmd); err != nil {
			f.logger.Error("Could not unmarshal raft command", "error", err, "data", string(l.Data))
			return fmt.Errorf("could not unmarshal raft command: %w", err)
		}

		switch cmd.Type {
		case cmdPublishEvent:
			var ev models.Event
			if err := json.Unmarshal(cmd.Payload, &ev); err != nil {
				f.logger.Error("Could not unmarshal publish_event payload", "error", err, "payload", string(cmd.Payload))
				return fmt.Errorf("could not unmarshal publish_event payload: %w", err)
			}
			return f.applyPublish(ev)
		default:
			f.logger.Error("Unknown raft command type in Apply", "command_type", cmd.Type)
			return fmt.Errorf("unknown raft command type: %s", cmd.Type)
		}
	case raft.LogConfiguration:
		f.logger.Info("FSM applied raft.LogConfiguration", "index", l.Index, "term", l.Term)
		return nil
	default:
		f.logger.Warn("FSM encountered unknown raft log type", "type", fmt.Sprintf("%#v", l.Type), "index", l.Index, "term", l.Term)
		return fmt.Errorf("unknown raft log type: %#v", l.Type)
	}
}

func (f *logFsm) applyPublish(ev models.Event) any {
	if time.Since(ev.EmittedAt) > EventReplayWindow {
		f.logger.Warn(
			"Skipping publish_event because it is outside the replay window",
			"scope", ev.Scope.Key(),
			"emitted_at", ev.EmittedAt,
			"replay_window", EventReplayWindow,
		)
		return nil
	}

	fresh, err := f.markSeen(ev.EventID)
	if err != nil {
		// Dedup bookkeeping failing must not drop the event; worst case the
		// receiver sees a duplicate, which downstream handlers tolerate.
		f.logger.Error("Could not record seen event id, delivering anyway", "event_id", ev.EventID, "error", err)
	} else if !fresh {
		f.logger.Debug("Duplicate event suppressed", "event_id", ev.EventID, "scope", ev.Scope.Key())
		return nil
	}

	recv := f.receiver()
	if recv == nil {
		f.logger.Warn("No receiver attached, dropping event", "scope", ev.Scope.Key())
		return nil
	}
	recv(context.Background(), ev)
	return nil
}

// markSeen records the event id and reports whether it was new.
func (f *logFsm) markSeen(eventID string) (bool, error) {
	if eventID == "" {
		return true, nil
	}
	fresh := false
	err := f.seenDb.Update(func(txn *badger.Txn) error {
		key := []byte(seenKeyPrefix + eventID)
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		fresh = true
		entry := badger.NewEntry(key, nil).WithTTL(seenEventTTL)
		return txn.SetEntry(entry)
	})
	return fresh, err
}

/*
	Events are ephemeral - nothing in the FSM is worth carrying across a
	snapshot beyond the raft bookkeeping itself. The snapshot is therefore
	empty; the replay window and the seen-id set cover the restart paths.
*/

type emptySnapshot struct{}

func (emptySnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }
func (emptySnapshot) Release()                             {}

func (f *logFsm) Snapshot() (raft.FSMSnapshot, error) {
	f.logger.Debug("Creating FSM snapshot")
	return emptySnapshot{}, nil
}

func (f *logFsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("could not drain snapshot: %w", err)
	}
	f.logger.Info("FSM restored from (empty) snapshot")
	return nil
}
