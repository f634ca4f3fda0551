package raftlog

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/raft"

	"github.com/loftboard/relay/config"
)

type autoJoinConfig struct {
	Logger     *slog.Logger
	Ctx        context.Context
	NodeId     string
	ClusterCfg *config.Cluster
	Raft       *raft.Raft
	MyRaftAddr string
}

// attemptAutoJoin loops until the follower appears in the raft
// configuration, asking the default leader's join endpoint each round.
func attemptAutoJoin(cfg *autoJoinConfig) error {
	leaderNodeId := cfg.ClusterCfg.DefaultLeader
	if cfg.NodeId == leaderNodeId {
		cfg.Logger.Info("Node is the default leader, skipping auto-join attempt.", "node_id", cfg.NodeId)
		return nil
	}

	leaderNodeCfg, ok := cfg.ClusterCfg.Nodes[leaderNodeId]
	if !ok {
		return fmt.Errorf("default leader node '%s' configuration not found in cluster config", leaderNodeId)
	}

	var connectAddr string
	if leaderNodeCfg.ClientDomain != "" {
		_, port, err := net.SplitHostPort(leaderNodeCfg.HttpBinding)
		if err != nil {
			cfg.Logger.Warn(
				"Could not parse port from leader's httpBinding",
				"http_binding", leaderNodeCfg.HttpBinding,
				"error", err,
			)
			connectAddr = leaderNodeCfg.HttpBinding
		} else {
			connectAddr = net.JoinHostPort(leaderNodeCfg.ClientDomain, port)
		}
	} else {
		connectAddr = leaderNodeCfg.HttpBinding
	}

	scheme := "http"
	if cfg.ClusterCfg.TLS.Cert != "" && cfg.ClusterCfg.TLS.Key != "" {
		scheme = "https"
	}
	joinURL := fmt.Sprintf("%s://%s/relay/v1/raft/join?followerId=%s&followerAddr=%s",
		scheme, connectAddr, cfg.NodeId, cfg.MyRaftAddr)

	httpClient := &http.Client{Timeout: 10 * time.Second}
	if scheme == "https" {
		tlsConfig := &tls.Config{}
		if cfg.ClusterCfg.ClientSkipVerify {
			tlsConfig.InsecureSkipVerify = true
		} else if leaderNodeCfg.ClientDomain != "" {
			tlsConfig.ServerName = leaderNodeCfg.ClientDomain
		}
		httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}

	for {
		// Already part of the cluster? Then a previous round succeeded.
		currentConfiguration := cfg.Raft.GetConfiguration()
		if err := currentConfiguration.Error(); err == nil {
			for _, srv := range currentConfiguration.Configuration().Servers {
				if srv.ID == raft.ServerID(cfg.NodeId) {
					cfg.Logger.Info("Node already part of the raft configuration. Auto-join completed.", "node_id", cfg.NodeId)
					return nil
				}
			}
		}

		cfg.Logger.Info("Attempting to join leader", "join_url", joinURL)
		req, err := http.NewRequestWithContext(cfg.Ctx, http.MethodGet, joinURL, nil)
		if err != nil {
			cfg.Logger.Error("Failed to create join request", "join_url", joinURL, "error", err)
			select {
			case <-time.After(10 * time.Second):
				continue
			case <-cfg.Ctx.Done():
				return cfg.Ctx.Err()
			}
		}
		req.Header.Set("Authorization", "Bearer "+JoinToken(cfg.ClusterCfg.InstanceSecret))

		resp, err := httpClient.Do(req)
		if err != nil {
			cfg.Logger.Warn("Join request failed, will retry", "error", err)
		} else {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				cfg.Logger.Info("Join request accepted by leader", "node_id", cfg.NodeId)
			} else {
				cfg.Logger.Warn(
					"Join request rejected, will retry",
					"status", resp.StatusCode,
					"body", strings.TrimSpace(string(body)),
				)
			}
		}

		select {
		case <-time.After(5 * time.Second):
		case <-cfg.Ctx.Done():
			cfg.Logger.Error("Auto-join cancelled.", "node_id", cfg.NodeId)
			return cfg.Ctx.Err()
		}
	}
}

// JoinToken derives the bearer token followers present when joining: the
// hex-encoded sha256 of the instance secret, base64 wrapped for transport.
func JoinToken(instanceSecret string) string {
	hasher := sha256.New()
	hasher.Write([]byte(instanceSecret))
	hexEncodedSecret := hex.EncodeToString(hasher.Sum(nil))
	return base64.StdEncoding.EncodeToString([]byte(hexEncodedSecret))
}
