package runtime

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/loftboard/relay/authz"
	"github.com/loftboard/relay/config"
	"github.com/loftboard/relay/gateway"
	"github.com/loftboard/relay/state"
	"github.com/loftboard/relay/transport"
	"github.com/loftboard/relay/transport/memory"
	"github.com/loftboard/relay/transport/raftlog"
)

/*
	Runtime assembles one or more relay node instances from the cluster
	config: state store, transport backend, authorization registry, and
	gateway, wired together and torn down on signal.
*/
type Runtime struct {
	rawArgs    []string
	configFile string
	asNodeId   string
	hostMode   bool

	appCtx    context.Context
	appCancel context.CancelFunc
	logger    *slog.Logger
	logLevel  slog.Level

	clusterCfg *config.Cluster

	wg sync.WaitGroup
}

func New(args []string, defaultConfigFile string) (*Runtime, error) {

	r := &Runtime{
		rawArgs: args,
	}

	r.appCtx, r.appCancel = context.WithCancel(context.Background())
	r.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("service", "relayRuntime")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		r.logger.Info("Received signal, initiating shutdown...", "signal", sig)
		r.appCancel()
	}()

	var genConfigFile string
	fs := flag.NewFlagSet("runtime", flag.ContinueOnError)
	fs.StringVar(&r.configFile, "config", defaultConfigFile, "Path to the cluster configuration file.")
	fs.StringVar(&r.asNodeId, "as", "", "Node ID to run as (e.g., node0). Mutually exclusive with --host.")
	fs.BoolVar(&r.hostMode, "host", false, "Run instances for all nodes in the config. Mutually exclusive with --as.")
	fs.StringVar(&genConfigFile, "new-cfg", "", "Generate a new cluster configuration file to a given path.")

	if err := fs.Parse(r.rawArgs); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	if genConfigFile != "" {
		dir := filepath.Dir(genConfigFile)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create directory for config file %s: %w", genConfigFile, err)
			}
		}
		if err := config.WriteConfig(config.GenerateConfig(), genConfigFile); err != nil {
			return nil, fmt.Errorf("failed to write generated configuration to %s: %w", genConfigFile, err)
		}
		r.logger.Info("Successfully generated new configuration file", "path", genConfigFile)
		os.Exit(0)
	}

	if (r.asNodeId == "" && !r.hostMode) || (r.asNodeId != "" && r.hostMode) {
		fs.Usage()
		return nil, fmt.Errorf("either --as <nodeId> or --host must be specified, but not both")
	}

	var err error
	r.clusterCfg, err = config.LoadConfig(r.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from %s: %w", r.configFile, err)
	}

	r.logLevel = slog.LevelInfo
	if r.clusterCfg.Logging.Level != "" {
		switch r.clusterCfg.Logging.Level {
		case "debug":
			r.logLevel = slog.LevelDebug
		case "info":
			r.logLevel = slog.LevelInfo
		case "warn":
			r.logLevel = slog.LevelWarn
		case "error":
			r.logLevel = slog.LevelError
		default:
			color.HiYellow("Unknown logging level: %s, defaulting to info", r.clusterCfg.Logging.Level)
		}
	}

	r.logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: r.logLevel,
	})).With("service", "relayRuntime")

	return r, nil
}

// Run executes the runtime based on the parsed flags, either running as
// a single node or as a host managing all configured nodes.
func (r *Runtime) Run() error {
	if r.hostMode {
		return r.runAsHost()
	}
	return r.runAsNode(r.asNodeId)
}

func (r *Runtime) runAsNode(nodeId string) error {
	nodeCfg, ok := r.clusterCfg.Nodes[nodeId]
	if !ok {
		r.logger.Error("Node ID not found in configuration file", "node", nodeId, "available_nodes", nodeIds(r.clusterCfg.Nodes))
		return fmt.Errorf("node ID %s not found in configuration", nodeId)
	}

	r.logger.Info("Starting in single node mode", "node", nodeId)
	r.startNodeInstance(nodeId, nodeCfg)

	<-r.appCtx.Done()
	r.logger.Info("Node service shutting down.", "node", nodeId)
	return nil
}

func (r *Runtime) runAsHost() error {
	r.logger.Info("Running in --host mode. Starting instances for all configured nodes.", "count", len(r.clusterCfg.Nodes))

	for nodeId, nodeCfg := range r.clusterCfg.Nodes {
		r.wg.Add(1)
		go func(id string, cfg config.Node) {
			defer r.wg.Done()
			r.startNodeInstance(id, cfg)
		}(nodeId, nodeCfg)
	}

	<-r.appCtx.Done()
	r.logger.Info("Shutdown signal received. Exiting host mode.")
	return nil
}

// startNodeInstance builds and runs one full relay node. Any failure
// here is fatal: a node that cannot assemble its stack has nothing to
// degrade to.
func (r *Runtime) startNodeInstance(nodeId string, nodeCfg config.Node) {
	nodeLogger := r.logger.With("node", nodeId)
	nodeLogger.Info("Starting node instance")

	nodeDataRoot := filepath.Join(r.clusterCfg.RelayHome, nodeId)
	if err := os.MkdirAll(nodeDataRoot, os.ModePerm); err != nil {
		nodeLogger.Error("Could not create node data root directory", "path", nodeDataRoot, "error", err)
		os.Exit(1)
	}

	stateDir := filepath.Join(nodeDataRoot, config.BadgerStateDirName, "app")
	stateStore, err := state.Open(nodeLogger.WithGroup("state"), stateDir)
	if err != nil {
		nodeLogger.Error("Failed to open state store", "path", stateDir, "error", err)
		os.Exit(1)
	}
	defer stateStore.Close()

	var tr transport.Transport
	var raftLog *raftlog.Log

	switch r.clusterCfg.Transport {
	case config.TransportMemory:
		tr = memory.New(nodeLogger.WithGroup("transport"))
	case config.TransportRaftLog:
		raftLog, err = raftlog.New(raftlog.Settings{
			Logger:  nodeLogger.WithGroup("transport"),
			Config:  r.clusterCfg,
			NodeCfg: &nodeCfg,
			NodeId:  nodeId,
			Forward: forwardToLeader(r.clusterCfg),
		})
		if err != nil {
			nodeLogger.Error("Failed to create raft log transport", "error", err)
			os.Exit(1)
		}
		tr = raftLog
	default:
		nodeLogger.Error("Unknown transport backend", "transport", r.clusterCfg.Transport)
		os.Exit(1)
	}

	authzRegistry := authz.NewRegistry(nodeLogger.WithGroup("authz"), r.clusterCfg.Authz.DecisionTTL)
	defer authzRegistry.Stop()

	gw, err := gateway.New(
		r.appCtx,
		nodeLogger.WithGroup("gateway"),
		r.clusterCfg,
		&nodeCfg,
		tr,
		authzRegistry,
		stateStore.ResolveToken,
	)
	if err != nil {
		nodeLogger.Error("Failed to create gateway", "error", err)
		os.Exit(1)
	}
	defer gw.Stop()

	if err := wireBoardDomain(nodeLogger, gw, tr, authzRegistry, stateStore); err != nil {
		nodeLogger.Error("Failed to wire board domain", "error", err)
		os.Exit(1)
	}
	if err := mountAdminEndpoints(gw, stateStore, r.clusterCfg); err != nil {
		nodeLogger.Error("Failed to mount admin endpoints", "error", err)
		os.Exit(1)
	}
	if raftLog != nil {
		if err := mountClusterEndpoints(gw, raftLog, r.clusterCfg); err != nil {
			nodeLogger.Error("Failed to mount cluster endpoints", "error", err)
			os.Exit(1)
		}
	}

	if err := tr.Start(r.appCtx); err != nil {
		nodeLogger.Error("Failed to start transport", "error", err)
		os.Exit(1)
	}
	defer tr.Stop()

	if err := gw.Serve(); err != nil {
		nodeLogger.Error("Gateway exited with error", "error", err)
		r.appCancel()
	}
}

func nodeIds(m map[string]config.Node) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func (r *Runtime) Wait() {
	r.wg.Wait()
}

func (r *Runtime) Stop() {
	r.appCancel()
}

func (r *Runtime) GetHomeDir() string {
	return r.clusterCfg.RelayHome
}
