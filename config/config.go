package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	RaftDataDirName    = "raft_data"
	BadgerStateDirName = "state"
)

// TransportBackend selects the delivery fabric behind the broadcast layer.
type TransportBackend string

const (
	TransportMemory  TransportBackend = "memory"
	TransportRaftLog TransportBackend = "raftlog"
)

type Node struct {
	RaftBinding  string `yaml:"raftBinding"`
	HttpBinding  string `yaml:"httpBinding"`
	NodeSecret   string `yaml:"nodeSecret"`
	ClientDomain string `yaml:"clientDomain,omitempty"`
}

type TLS struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type SessionsConfig struct {
	EventChannelSize         int `yaml:"eventChannelSize"`
	WebSocketReadBufferSize  int `yaml:"webSocketReadBufferSize"`
	WebSocketWriteBufferSize int `yaml:"webSocketWriteBufferSize"`
	MaxConnections           int `yaml:"maxConnections"`
}

type RateLimiterConfig struct {
	Limit float64 `yaml:"limit"` // Requests per second
	Burst int     `yaml:"burst"` // Burst size
}

type RateLimiters struct {
	Subscribe RateLimiterConfig `yaml:"subscribe"`
	Events    RateLimiterConfig `yaml:"events"`
	Default   RateLimiterConfig `yaml:"default"`
}

type AuthzConfig struct {
	DecisionTTL time.Duration `yaml:"decisionTTL"`
}

type LoggingConfig struct {
	Level string `yaml:"level,omitempty"` // debug | info | warn | error
}

type Cluster struct {
	InstanceSecret   string           `yaml:"instanceSecret"` // on config load no two nodes should have the same instance secret
	DefaultLeader    string           `yaml:"defaultLeader"`  // if first time launch, non-leaders will auto-follow this leader
	Nodes            map[string]Node  `yaml:"nodes"`
	TLS              TLS              `yaml:"tls"`
	Transport        TransportBackend `yaml:"transport"` // memory | raftlog
	RelayHome        string           `yaml:"relayHome"`
	ServerMustUseTLS bool             `yaml:"serverMustUseTLS"`
	ClientSkipVerify bool             `yaml:"clientSkipVerify"`
	TrustedProxies   []string         `yaml:"trustedProxies,omitempty"`
	Logging          LoggingConfig    `yaml:"logging,omitempty"`
	Authz            AuthzConfig      `yaml:"authz"`
	RateLimiters     RateLimiters     `yaml:"rateLimiters"`
	Sessions         SessionsConfig   `yaml:"sessions"`
}

var (
	ErrConfigFileUnreadable                    = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable                = errors.New("config file is unmarshallable")
	ErrInstanceSecretMissing                   = errors.New("instanceSecret is missing in config")
	ErrDefaultLeaderMissing                    = errors.New("defaultLeader is not set in config")
	ErrNodesMissing                            = errors.New("no nodes defined in config")
	ErrRelayHomeMissing                        = errors.New("relayHome is missing in config and is required for lock files and node data")
	ErrTLSMissing                              = errors.New("TLS configuration incomplete: both cert and key must be provided if one is specified")
	ErrDuplicateNodeSecret                     = errors.New("duplicate node secret in config - each node must contain a unique nodeSecret")
	ErrTransportBackendInvalid                 = errors.New("transport must be one of: memory, raftlog")
	ErrAuthzDecisionTTLMissing                 = errors.New("authz.decisionTTL is missing in config")
	ErrRateLimitersSubscribeLimitMissing       = errors.New("rateLimiters.subscribe.limit is missing in config")
	ErrRateLimitersEventsLimitMissing          = errors.New("rateLimiters.events.limit is missing in config")
	ErrRateLimitersDefaultLimitMissing         = errors.New("rateLimiters.default.limit is missing in config")
	ErrSessionsEventChannelSizeMissing         = errors.New("sessions.eventChannelSize is missing or invalid in config")
	ErrSessionsWebSocketReadBufferSizeMissing  = errors.New("sessions.webSocketReadBufferSize is missing or invalid in config")
	ErrSessionsWebSocketWriteBufferSizeMissing = errors.New("sessions.webSocketWriteBufferSize is missing or invalid in config")
	ErrSessionsMaxConnectionsMissing           = errors.New("sessions.maxConnections is missing or invalid in config")
)

func LoadConfig(configFile string) (*Cluster, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}

	var cfg Cluster
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, ErrConfigFileUnmarshallable
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Cluster) Validate() error {
	if cfg.InstanceSecret == "" {
		return ErrInstanceSecretMissing
	}
	if cfg.DefaultLeader == "" && len(cfg.Nodes) > 0 {
		return ErrDefaultLeaderMissing
	}
	if len(cfg.Nodes) == 0 {
		return ErrNodesMissing
	}

	seenNodeSecrets := make(map[string]bool)
	for _, node := range cfg.Nodes {
		if node.RaftBinding == "" || node.HttpBinding == "" {
			return errors.New("raftBinding and httpBinding are required for each node")
		}
		if seenNodeSecrets[node.NodeSecret] {
			return ErrDuplicateNodeSecret
		}
		seenNodeSecrets[node.NodeSecret] = true
	}

	if cfg.RelayHome == "" {
		return ErrRelayHomeMissing
	}

	// An unknown backend must fail here, not at first publish.
	switch cfg.Transport {
	case TransportMemory, TransportRaftLog:
	default:
		return ErrTransportBackendInvalid
	}

	if cfg.ServerMustUseTLS && (cfg.TLS.Cert == "" || cfg.TLS.Key == "") {
		return ErrTLSMissing
	}
	if cfg.TLS.Cert != "" && cfg.TLS.Key == "" ||
		cfg.TLS.Cert == "" && cfg.TLS.Key != "" {
		return ErrTLSMissing
	}

	if cfg.Authz.DecisionTTL == 0 {
		return ErrAuthzDecisionTTLMissing
	}

	if cfg.RateLimiters.Subscribe.Limit == 0 {
		return ErrRateLimitersSubscribeLimitMissing
	}
	if cfg.RateLimiters.Events.Limit == 0 {
		return ErrRateLimitersEventsLimitMissing
	}
	if cfg.RateLimiters.Default.Limit == 0 {
		return ErrRateLimitersDefaultLimitMissing
	}

	if cfg.Sessions.EventChannelSize <= 0 {
		return ErrSessionsEventChannelSizeMissing
	}
	if cfg.Sessions.WebSocketReadBufferSize <= 0 {
		return ErrSessionsWebSocketReadBufferSizeMissing
	}
	if cfg.Sessions.WebSocketWriteBufferSize <= 0 {
		return ErrSessionsWebSocketWriteBufferSizeMissing
	}
	if cfg.Sessions.MaxConnections <= 0 {
		return ErrSessionsMaxConnectionsMissing
	}
	return nil
}

func GenerateConfig() *Cluster {
	cfg := Cluster{
		InstanceSecret:   "please_change_this_secret_in_production_!!!",
		DefaultLeader:    "node0",
		Nodes:            make(map[string]Node),
		Transport:        TransportMemory,
		RelayHome:        "data/relay",
		ServerMustUseTLS: true,
		ClientSkipVerify: false,
		TLS: TLS{
			Cert: "config/tls/server.crt", // Placeholder - user needs to generate these
			Key:  "config/tls/server.key",
		},
		Authz: AuthzConfig{
			DecisionTTL: 30 * time.Second,
		},
		RateLimiters: RateLimiters{
			Subscribe: RateLimiterConfig{Limit: 25.0, Burst: 50},
			Events:    RateLimiterConfig{Limit: 200.0, Burst: 400},
			Default:   RateLimiterConfig{Limit: 100.0, Burst: 200},
		},
		Sessions: SessionsConfig{
			EventChannelSize:         1000,
			WebSocketReadBufferSize:  4096,
			WebSocketWriteBufferSize: 4096,
			MaxConnections:           100,
		},
	}

	cfg.Nodes["node0"] = Node{
		RaftBinding:  "127.0.0.1:7000",
		HttpBinding:  "127.0.0.1:7001",
		NodeSecret:   "node0_secret_please_change_!!!",
		ClientDomain: "localhost",
	}
	cfg.Nodes["node1"] = Node{
		RaftBinding:  "127.0.0.1:7002",
		HttpBinding:  "127.0.0.1:7003",
		NodeSecret:   "node1_secret_please_change_!!!",
		ClientDomain: "localhost",
	}
	cfg.Nodes["node2"] = Node{
		RaftBinding:  "127.0.0.1:7004",
		HttpBinding:  "127.0.0.1:7005",
		NodeSecret:   "node2_secret_please_change_!!!",
		ClientDomain: "localhost",
	}
	return &cfg
}

func WriteConfig(cfg *Cluster, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
