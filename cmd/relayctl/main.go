package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/loftboard/relay/client"
	"github.com/loftboard/relay/config"
	"github.com/loftboard/relay/models"
	"github.com/loftboard/relay/transport/raftlog"
)

var (
	configPath string
	targetNode string
	adminFlag  bool
	clusterCfg *config.Cluster
)

func init() {
	flag.StringVar(&configPath, "config", "cluster.yaml", "Path to the cluster configuration file")
	flag.StringVar(&targetNode, "target", "", "Target node ID (e.g., node0). Defaults to DefaultLeader in config.")
	flag.BoolVar(&adminFlag, "admin", false, "Mint an admin token (new-token only).")
}

func main() {
	flag.Parse()

	var err error
	clusterCfg, err = config.LoadConfig(configPath)
	if err != nil {
		log.Error("Failed to load cluster configuration", "path", configPath, "error", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "new-token":
		handleNewToken(cmdArgs)
	case "member":
		handleMember(cmdArgs)
	case "publish":
		handlePublish(cmdArgs)
	case "subscribe":
		handleSubscribe(cmdArgs)
	default:
		log.Error("Unknown command", "command", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: relayctl [flags] <command> [args...]\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nCommands:\n")
	fmt.Fprintf(os.Stderr, "  new-token <user_id>                         mint an access token (--admin for admin scope)\n")
	fmt.Fprintf(os.Stderr, "  member add <board_id> <user_id>             grant board membership\n")
	fmt.Fprintf(os.Stderr, "  member remove <board_id> <user_id>          revoke board membership\n")
	fmt.Fprintf(os.Stderr, "  publish <event> <instance_id> <json_data>   publish via socket (RELAY_TOKEN env)\n")
	fmt.Fprintf(os.Stderr, "  subscribe <topic> [instance_id]             stream a scope's events (RELAY_TOKEN env)\n")
}

// targetAddr resolves the http binding of the node to talk to, leaning
// on the default leader when no --target is given.
func targetAddr() (config.Node, error) {
	nodeId := targetNode
	if nodeId == "" {
		nodeId = clusterCfg.DefaultLeader
	}
	node, ok := clusterCfg.Nodes[nodeId]
	if !ok {
		return config.Node{}, fmt.Errorf("node ID '%s' not found in configuration", nodeId)
	}
	return node, nil
}

func adminRequest(method, path string, query map[string]string, body any) ([]byte, error) {
	node, err := targetAddr()
	if err != nil {
		return nil, err
	}

	scheme := "http"
	httpClient := &http.Client{Timeout: 10 * time.Second}
	if clusterCfg.TLS.Cert != "" && clusterCfg.TLS.Key != "" {
		scheme = "https"
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: clusterCfg.ClientSkipVerify},
		}
	}

	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = bytes.NewReader(data)
	}

	url := fmt.Sprintf("%s://%s%s", scheme, node.HttpBinding, path)
	if len(query) > 0 {
		parts := make([]string, 0, len(query))
		for k, v := range query {
			parts = append(parts, k+"="+v)
		}
		url += "?" + strings.Join(parts, "&")
	}

	req, err := http.NewRequest(method, url, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+raftlog.JoinToken(clusterCfg.InstanceSecret))
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}
	return respBody, nil
}

func handleNewToken(args []string) {
	if len(args) != 1 {
		log.Error("new-token: requires <user_id>")
		printUsage()
		os.Exit(1)
	}
	body, err := adminRequest(http.MethodPost, "/relay/v1/admin/token", nil, models.Principal{
		UserID: args[0],
		Admin:  adminFlag,
	})
	if err != nil {
		log.Error("Failed to mint token", "error", err)
		os.Exit(1)
	}
	var out map[string]string
	if err := json.Unmarshal(body, &out); err != nil {
		log.Error("Malformed response", "error", err)
		os.Exit(1)
	}
	log.Info("Token minted", "user_id", args[0], "admin", adminFlag)
	fmt.Println(out["token"])
}

func handleMember(args []string) {
	if len(args) != 3 {
		log.Error("member: requires add|remove <board_id> <user_id>")
		printUsage()
		os.Exit(1)
	}
	method := http.MethodPost
	switch args[0] {
	case "add":
	case "remove":
		method = http.MethodDelete
	default:
		log.Error("member: first argument must be add or remove", "got", args[0])
		os.Exit(1)
	}
	_, err := adminRequest(method, "/relay/v1/admin/member", map[string]string{
		"board": args[1],
		"user":  args[2],
	}, nil)
	if err != nil {
		log.Error("Membership change failed", "error", err)
		os.Exit(1)
	}
	log.Info("Membership updated", "action", args[0], "board", args[1], "user", args[2])
}

func socketClient(ctx context.Context) *client.Client {
	token := os.Getenv("RELAY_TOKEN")
	if token == "" {
		log.Error("RELAY_TOKEN environment variable is not set")
		os.Exit(1)
	}
	node, err := targetAddr()
	if err != nil {
		log.Error("Failed to resolve target node", "error", err)
		os.Exit(1)
	}

	c, err := client.Dial(ctx, &client.Config{
		HostPort:     node.HttpBinding,
		ClientDomain: node.ClientDomain,
		Token:        token,
		SkipVerify:   clusterCfg.ClientSkipVerify,
		PlainText:    clusterCfg.TLS.Cert == "" || clusterCfg.TLS.Key == "",
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		log.Error("Failed to connect", "error", err)
		os.Exit(1)
	}
	return c
}

func handlePublish(args []string) {
	if len(args) != 3 {
		log.Error("publish: requires <event> <instance_id> <json_data>")
		printUsage()
		os.Exit(1)
	}
	eventName, instanceID, data := args[0], args[1], args[2]
	if !json.Valid([]byte(data)) {
		log.Error("publish: data must be valid JSON")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	c := socketClient(ctx)
	defer c.Close()

	params := map[string]string{}
	if instanceID != "" {
		params[models.ParamID] = instanceID
	}
	err := c.Send(models.Envelope{
		Name:   eventName,
		Params: params,
		Data:   json.RawMessage(data),
	})
	if err != nil {
		log.Error("Publish failed", "error", err)
		os.Exit(1)
	}
	log.Info("Published", "event", eventName, "instance_id", instanceID)
}

func handleSubscribe(args []string) {
	if len(args) < 1 || len(args) > 2 {
		log.Error("subscribe: requires <topic> [instance_id]")
		printUsage()
		os.Exit(1)
	}
	topic := models.Topic(args[0])
	instanceID := ""
	if len(args) == 2 {
		instanceID = args[1]
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	c := socketClient(ctx)
	defer c.Close()

	// Print every named event that lands on the scope until interrupted.
	for name := range models.EventTopics {
		c.Listen(name, func(env models.Envelope) {
			out, _ := json.Marshal(env)
			fmt.Println(string(out))
		})
	}

	if err := c.Subscribe(topic, instanceID); err != nil {
		log.Error("Subscribe failed", "error", err)
		os.Exit(1)
	}
	log.Info("Subscribed, waiting for events (Ctrl-C to exit)", "topic", topic, "instance_id", instanceID)
	<-ctx.Done()
}
