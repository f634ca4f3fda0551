package raftlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"
	"github.com/hashicorp/raft"

	"github.com/loftboard/relay/config"
	"github.com/loftboard/relay/models"
	"github.com/loftboard/relay/transport"
)

const applyTimeout = 500 * time.Millisecond

var (
	publishRetries      = 5
	publishRetryBackoff = 100 * time.Millisecond
)

// ForwardFunc relays a publish to the current leader when this node is a
// follower. The daemon wires it to an authenticated HTTP call against the
// leader's internal publish endpoint.
type ForwardFunc func(ctx context.Context, leaderHTTPAddr string, ev models.Event) error

type Settings struct {
	Logger  *slog.Logger
	Config  *config.Cluster
	NodeCfg *config.Node
	NodeId  string
	Forward ForwardFunc
}

/*
	Log is the multi-node delivery fabric: every publish is appended to a
	raft replicated log and applied on every node, so each node can fan the
	event out to its own live connections. The log is durable (boltdb) -
	events committed before a crash are re-applied after restart, giving
	at-least-once delivery. Per-scope ordering follows from the total order
	of the log itself.
*/
type Log struct {
	logger   *slog.Logger
	cfg      *config.Cluster
	nodeCfg  *config.Node
	nodeId   string
	registry *transport.Registry
	forward  ForwardFunc

	receiverMu sync.RWMutex
	receiver   transport.ReceiverFunc

	r      *raft.Raft
	fsm    *logFsm
	seenDb *badger.DB
}

var _ transport.Transport = &Log{}

func New(settings Settings) (*Log, error) {
	if settings.Config == nil || settings.NodeCfg == nil {
		return nil, fmt.Errorf("raftlog requires cluster and node configuration")
	}
	return &Log{
		logger:   settings.Logger.WithGroup("raft_log"),
		cfg:      settings.Config,
		nodeCfg:  settings.NodeCfg,
		nodeId:   settings.NodeId,
		registry: transport.NewRegistry(),
		forward:  settings.Forward,
	}, nil
}

func (l *Log) Register(eventName string, emit transport.EmitterFunc) error {
	return l.registry.Register(eventName, emit)
}

func (l *Log) SetReceiver(fn transport.ReceiverFunc) {
	l.receiverMu.Lock()
	defer l.receiverMu.Unlock()
	l.receiver = fn
}

func (l *Log) currentReceiver() transport.ReceiverFunc {
	l.receiverMu.RLock()
	defer l.receiverMu.RUnlock()
	return l.receiver
}

func (l *Log) Start(ctx context.Context) error {
	l.receiverMu.RLock()
	hasReceiver := l.receiver != nil
	l.receiverMu.RUnlock()
	if !hasReceiver {
		return transport.ErrReceiverMissing
	}

	nodeDataRootPath := filepath.Join(l.cfg.RelayHome, l.nodeId)
	if err := os.MkdirAll(nodeDataRootPath, os.ModePerm); err != nil {
		return fmt.Errorf("could not create node data root %s: %w", nodeDataRootPath, err)
	}

	seenDbPath := filepath.Join(nodeDataRootPath, config.BadgerStateDirName, "seen_events")
	opts := badger.DefaultOptions(seenDbPath).
		WithLogger(NewBadgerLogger(l.logger.WithGroup("badger")))
	seenDb, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("could not open seen-events db at %s: %w", seenDbPath, err)
	}
	l.seenDb = seenDb

	l.fsm = &logFsm{
		logger:   l.logger.WithGroup("fsm"),
		seenDb:   seenDb,
		receiver: l.currentReceiver,
	}

	lockFilePath := filepath.Join(l.cfg.RelayHome, l.nodeId+".lock")
	_, errLockFile := os.Stat(lockFilePath)
	isFirstLaunch := os.IsNotExist(errLockFile)
	if isFirstLaunch {
		l.logger.Info("First time launch: lock file not found", "path", lockFilePath)
	} else if errLockFile != nil {
		return fmt.Errorf("error checking lock file %s: %w", lockFilePath, errLockFile)
	}

	isDefaultLeader := l.nodeId == l.cfg.DefaultLeader

	r, err := setupRaft(&setupConfig{
		Logger:               l.logger.WithGroup("raft_setup"),
		NodeDir:              nodeDataRootPath,
		NodeId:               l.nodeId,
		RaftAdvertiseAddress: l.nodeCfg.RaftBinding,
		Fsm:                  l.fsm,
		ClusterConfig:        l.cfg,
		IsDefaultLeader:      isDefaultLeader,
	})
	if err != nil {
		return fmt.Errorf("failed to setup raft for %s: %w", l.nodeId, err)
	}
	l.r = r

	if isFirstLaunch && !isDefaultLeader {
		l.logger.Info("First launch, non-leader: attempting auto-join")
		if err := attemptAutoJoin(&autoJoinConfig{
			Logger:     l.logger.WithGroup("auto_join"),
			Ctx:        ctx,
			NodeId:     l.nodeId,
			ClusterCfg: l.cfg,
			Raft:       r,
			MyRaftAddr: l.nodeCfg.RaftBinding,
		}); err != nil {
			return fmt.Errorf("auto-join failed for %s: %w", l.nodeId, err)
		}
		l.logger.Info("Auto-join successful")
	}

	if isFirstLaunch {
		lockFile, errCreate := os.Create(lockFilePath)
		if errCreate != nil {
			return fmt.Errorf("failed to create lock file %s: %w", lockFilePath, errCreate)
		}
		lockFile.Close()
	}

	l.logger.Info("Raft log transport started", "node_id", l.nodeId)
	return nil
}

func (l *Log) Stop() error {
	if l.r != nil {
		if err := l.r.Shutdown().Error(); err != nil {
			l.logger.Error("Raft shutdown error", "error", err)
		}
	}
	if l.seenDb != nil {
		if err := l.seenDb.Close(); err != nil {
			return fmt.Errorf("failed to close seen-events db: %w", err)
		}
	}
	l.logger.Info("Raft log transport stopped")
	return nil
}

func (l *Log) Publish(ctx context.Context, ev models.Event) error {
	emit, err := l.registry.Lookup(ev.Envelope.Name)
	if err != nil {
		return err
	}
	return emit(ctx, ev)
}

// Emit appends the event to the replicated log. Followers relay to the
// leader; transient leadership churn is retried with backoff here so
// handlers never retry publishes themselves.
func (l *Log) Emit(ctx context.Context, ev models.Event) error {
	if !ev.Scope.Valid() {
		return fmt.Errorf("invalid scope %q for event %q", ev.Scope.Key(), ev.Envelope.Name)
	}
	stampEvent(&ev)

	payloadBytes, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("could not marshal payload for publish: %w", err)
	}
	cmdBytes, err := json.Marshal(RaftCommand{
		Type:    cmdPublishEvent,
		Payload: payloadBytes,
	})
	if err != nil {
		return fmt.Errorf("could not marshal raft command for publish: %w", err)
	}

	backoff := publishRetryBackoff
	var lastErr error
	for attempt := 0; attempt < publishRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if l.r.State() == raft.Leader {
			future := l.r.Apply(cmdBytes, applyTimeout)
			if err := future.Error(); err != nil {
				lastErr = fmt.Errorf("raft apply for publish failed (scope %s): %w", ev.Scope.Key(), err)
			} else if responseErr, ok := future.Response().(error); ok && responseErr != nil {
				return fmt.Errorf("fsm application error for publish (scope %s): %w", ev.Scope.Key(), responseErr)
			} else {
				return nil
			}
		} else if l.forward != nil {
			leaderAddr, err := l.LeaderHTTPAddress()
			if err != nil {
				lastErr = err
			} else if err := l.forward(ctx, leaderAddr, ev); err != nil {
				lastErr = fmt.Errorf("forward to leader failed (scope %s): %w", ev.Scope.Key(), err)
			} else {
				return nil
			}
		} else {
			lastErr = fmt.Errorf("node %s is not the raft leader and no forwarder is configured", l.nodeId)
		}

		l.logger.Warn("Publish attempt failed, backing off",
			"attempt", attempt+1, "scope", ev.Scope.Key(), "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

// Append applies a fully-formed event received from another node (the
// leader-side half of ForwardFunc). Only meaningful on the leader.
func (l *Log) Append(ctx context.Context, ev models.Event) error {
	if l.r.State() != raft.Leader {
		return fmt.Errorf("cannot append: node %s is not the leader", l.nodeId)
	}
	return l.Emit(ctx, ev)
}

func (l *Log) IsLeader() bool {
	return l.r != nil && l.r.State() == raft.Leader
}

// LeaderHTTPAddress maps the raft leader's bind address back to its HTTP
// binding via the cluster config.
func (l *Log) LeaderHTTPAddress() (string, error) {
	leaderAddr := string(l.r.Leader())
	if leaderAddr == "" {
		return "", fmt.Errorf("no raft leader currently known")
	}
	for _, node := range l.cfg.Nodes {
		if node.RaftBinding == leaderAddr {
			return node.HttpBinding, nil
		}
	}
	return "", fmt.Errorf("leader raft address %s not present in cluster config", leaderAddr)
}

// Join adds a follower to the raft cluster. Must be invoked on the leader.
func (l *Log) Join(followerId string, followerAddress string) error {
	l.logger.Info("Attempting to join follower to raft cluster", "follower_id", followerId, "follower_addr", followerAddress)

	if l.r.State() != raft.Leader {
		leaderAddr := l.r.Leader()
		l.logger.Warn("Join attempt on non-leader node", "current_leader", string(leaderAddr))
		return fmt.Errorf("cannot join: this node is not the leader. Current leader: %s", leaderAddr)
	}

	future := l.r.AddVoter(raft.ServerID(followerId), raft.ServerAddress(followerAddress), 0, 0)
	if err := future.Error(); err != nil {
		l.logger.Error("Failed to add voter to raft cluster", "follower_id", followerId, "follower_addr", followerAddress, "error", err)
		return fmt.Errorf("failed to add voter (id: %s, addr: %s): %w", followerId, followerAddress, err)
	}
	l.logger.Debug("Successfully added voter to raft cluster", "follower_id", followerId)
	return nil
}

func stampEvent(ev *models.Event) {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = time.Now()
	}
}

type BadgerLogger struct {
	slogger *slog.Logger
}

func NewBadgerLogger(logger *slog.Logger) *BadgerLogger {
	return &BadgerLogger{slogger: logger}
}

func (bl *BadgerLogger) Errorf(format string, args ...any) {
	bl.slogger.Error(fmt.Sprintf(format, args...))
}

func (bl *BadgerLogger) Warningf(format string, args ...any) {
	bl.slogger.Warn(fmt.Sprintf(format, args...))
}

func (bl *BadgerLogger) Infof(format string, args ...any) {
	bl.slogger.Info(fmt.Sprintf(format, args...))
}

func (bl *BadgerLogger) Debugf(format string, args ...any) {
	bl.slogger.Debug(fmt.Sprintf(format, args...))
}
