package config

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func validCluster() *Cluster {
	return &Cluster{
		InstanceSecret: "secret",
		DefaultLeader:  "node0",
		Nodes: map[string]Node{
			"node0": {RaftBinding: "127.0.0.1:7000", HttpBinding: "127.0.0.1:7001", NodeSecret: "s0"},
			"node1": {RaftBinding: "127.0.0.1:7002", HttpBinding: "127.0.0.1:7003", NodeSecret: "s1"},
		},
		Transport: TransportMemory,
		RelayHome: "data/relay",
		Authz:     AuthzConfig{DecisionTTL: 30 * time.Second},
		RateLimiters: RateLimiters{
			Subscribe: RateLimiterConfig{Limit: 25, Burst: 50},
			Events:    RateLimiterConfig{Limit: 200, Burst: 400},
			Default:   RateLimiterConfig{Limit: 100, Burst: 200},
		},
		Sessions: SessionsConfig{
			EventChannelSize:         1000,
			WebSocketReadBufferSize:  4096,
			WebSocketWriteBufferSize: 4096,
			MaxConnections:           100,
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Cluster)
		wantErr error
	}{
		{"Valid", func(*Cluster) {}, nil},
		{"MissingInstanceSecret", func(c *Cluster) { c.InstanceSecret = "" }, ErrInstanceSecretMissing},
		{"MissingDefaultLeader", func(c *Cluster) { c.DefaultLeader = "" }, ErrDefaultLeaderMissing},
		{"NoNodes", func(c *Cluster) { c.Nodes = nil; c.DefaultLeader = "" }, ErrNodesMissing},
		{"MissingRelayHome", func(c *Cluster) { c.RelayHome = "" }, ErrRelayHomeMissing},
		{"UnknownTransport", func(c *Cluster) { c.Transport = "carrier-pigeon" }, ErrTransportBackendInvalid},
		{"DuplicateNodeSecret", func(c *Cluster) {
			n := c.Nodes["node1"]
			n.NodeSecret = c.Nodes["node0"].NodeSecret
			c.Nodes["node1"] = n
		}, ErrDuplicateNodeSecret},
		{"TLSCertWithoutKey", func(c *Cluster) { c.TLS = TLS{Cert: "server.crt"} }, ErrTLSMissing},
		{"MustUseTLSWithoutMaterial", func(c *Cluster) { c.ServerMustUseTLS = true }, ErrTLSMissing},
		{"MissingDecisionTTL", func(c *Cluster) { c.Authz.DecisionTTL = 0 }, ErrAuthzDecisionTTLMissing},
		{"MissingSubscribeLimit", func(c *Cluster) { c.RateLimiters.Subscribe.Limit = 0 }, ErrRateLimitersSubscribeLimitMissing},
		{"MissingEventsLimit", func(c *Cluster) { c.RateLimiters.Events.Limit = 0 }, ErrRateLimitersEventsLimitMissing},
		{"MissingDefaultLimit", func(c *Cluster) { c.RateLimiters.Default.Limit = 0 }, ErrRateLimitersDefaultLimitMissing},
		{"MissingEventChannelSize", func(c *Cluster) { c.Sessions.EventChannelSize = 0 }, ErrSessionsEventChannelSizeMissing},
		{"MissingReadBufferSize", func(c *Cluster) { c.Sessions.WebSocketReadBufferSize = 0 }, ErrSessionsWebSocketReadBufferSizeMissing},
		{"MissingWriteBufferSize", func(c *Cluster) { c.Sessions.WebSocketWriteBufferSize = 0 }, ErrSessionsWebSocketWriteBufferSizeMissing},
		{"MissingMaxConnections", func(c *Cluster) { c.Sessions.MaxConnections = 0 }, ErrSessionsMaxConnectionsMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validCluster()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	t.Run("Roundtrip", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "cluster.yaml")
		if err := WriteConfig(GenerateConfig(), path); err != nil {
			t.Fatalf("WriteConfig() error = %v", err)
		}

		cfg, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("LoadConfig() error = %v", err)
		}
		if cfg.DefaultLeader != "node0" {
			t.Errorf("DefaultLeader = %q, want %q", cfg.DefaultLeader, "node0")
		}
		if len(cfg.Nodes) != 3 {
			t.Errorf("len(Nodes) = %d, want 3", len(cfg.Nodes))
		}
		if cfg.Transport != TransportMemory {
			t.Errorf("Transport = %q, want %q", cfg.Transport, TransportMemory)
		}
		if cfg.Authz.DecisionTTL != 30*time.Second {
			t.Errorf("Authz.DecisionTTL = %v, want 30s", cfg.Authz.DecisionTTL)
		}
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		if !errors.Is(err, ErrConfigFileUnreadable) {
			t.Errorf("LoadConfig() error = %v, want %v", err, ErrConfigFileUnreadable)
		}
	})
}
