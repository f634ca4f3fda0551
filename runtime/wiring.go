package runtime

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loftboard/relay/authz"
	"github.com/loftboard/relay/config"
	"github.com/loftboard/relay/gateway"
	"github.com/loftboard/relay/models"
	"github.com/loftboard/relay/state"
	"github.com/loftboard/relay/transport"
	"github.com/loftboard/relay/transport/raftlog"
)

// eventBackend is the emit half of a transport backend. Both backends
// satisfy it; the Transport interface itself only carries the registry
// side so handlers cannot bypass the emitter binding.
type eventBackend interface {
	Emit(ctx context.Context, ev models.Event) error
}

// wireBoardDomain installs the project-board event surface: per-topic
// validators against the membership store, outbound emitter bindings for
// every broadcast event, and inbound handlers that re-broadcast client
// mutations to their scope.
func wireBoardDomain(
	logger *slog.Logger,
	gw *gateway.Gateway,
	tr transport.Transport,
	authzRegistry *authz.Registry,
	stateStore *state.Store,
) error {

	backend, ok := tr.(eventBackend)
	if !ok {
		return fmt.Errorf("transport backend does not expose an emitter")
	}

	boardMember := func(_ context.Context, p models.Principal, instanceID string) (bool, error) {
		if p.Admin {
			return true, nil
		}
		// Composite instance ids key membership off the board half.
		boardID, _, _ := strings.Cut(instanceID, "-")
		return stateStore.IsMember(boardID, p.UserID)
	}
	selfOnly := func(_ context.Context, p models.Principal, instanceID string) (bool, error) {
		return p.Admin || p.UserID == instanceID, nil
	}

	for topic, validator := range map[models.Topic]authz.ValidatorFunc{
		models.TopicBoard:     boardMember,
		models.TopicBoardCard: boardMember,
		models.TopicBot:       boardMember,
		models.TopicUser:      selfOnly,
	} {
		if err := authzRegistry.RegisterValidator(topic, validator); err != nil {
			return err
		}
	}

	for eventName, topic := range models.EventTopics {
		if err := gw.BindOutbound(backend.Emit, eventName); err != nil {
			return err
		}
		if err := gw.RegisterInbound(eventName, relayHandler(gw, authzRegistry, topic)); err != nil {
			return err
		}
	}

	logger.Info("Board domain wired", "events", len(models.EventTopics))
	return nil
}

// relayHandler re-broadcasts an inbound client envelope to its scope,
// provided the sender holds access to that scope. A sender that fails
// the check gets an error back on its own connection only; nothing is
// published.
func relayHandler(gw *gateway.Gateway, authzRegistry *authz.Registry, topic models.Topic) gateway.HandlerFunc {
	return func(ctx context.Context, cc gateway.ConnContext, env models.Envelope) error {
		scope := models.ScopeOf(topic, env.InstanceID())
		if !scope.Valid() {
			return fmt.Errorf("event %q carries an invalid instance id %q", env.Name, env.InstanceID())
		}
		allowed, err := authzRegistry.Authorize(ctx, cc.Principal, scope)
		if err != nil {
			return fmt.Errorf("authorization check failed for %s: %w", scope.Key(), err)
		}
		if !allowed {
			return fmt.Errorf("not authorized to publish to %s", scope.Key())
		}
		return gw.Publish(ctx, scope, env)
	}
}

// mountClusterEndpoints exposes the raft join and leader-side publish
// endpoints. Both are guarded by the instance-secret bearer token, the
// same credential followers present during auto-join.
func mountClusterEndpoints(gw *gateway.Gateway, raftLog *raftlog.Log, cfg *config.Cluster) error {
	expectedAuth := "Bearer " + raftlog.JoinToken(cfg.InstanceSecret)

	guarded := func(next http.HandlerFunc) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != expectedAuth {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next(w, r)
		})
	}

	joinHandler := func(w http.ResponseWriter, r *http.Request) {
		followerId := r.URL.Query().Get("followerId")
		followerAddr := r.URL.Query().Get("followerAddr")
		if followerId == "" || followerAddr == "" {
			http.Error(w, "followerId and followerAddr are required", http.StatusBadRequest)
			return
		}
		if err := raftLog.Join(followerId, followerAddr); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}

	publishHandler := func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		var ev models.Event
		if err := json.Unmarshal(body, &ev); err != nil {
			http.Error(w, "malformed event", http.StatusBadRequest)
			return
		}
		if err := raftLog.Append(r.Context(), ev); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusOK)
	}

	if err := gw.AddHandler("/relay/v1/raft/join", guarded(joinHandler)); err != nil {
		return err
	}
	return gw.AddHandler("/relay/v1/internal/publish", guarded(publishHandler))
}

// mountAdminEndpoints exposes token minting and board membership
// management, guarded by the same instance-secret bearer token as the
// cluster endpoints. These are operator surfaces, not user ones: user
// traffic always enters through the socket.
func mountAdminEndpoints(gw *gateway.Gateway, stateStore *state.Store, cfg *config.Cluster) error {
	expectedAuth := "Bearer " + raftlog.JoinToken(cfg.InstanceSecret)

	guarded := func(next http.HandlerFunc) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != expectedAuth {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next(w, r)
		})
	}

	tokenHandler := func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		var p models.Principal
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.UserID == "" {
			http.Error(w, "principal with user_id required", http.StatusBadRequest)
			return
		}
		token, err := stateStore.CreateToken(p)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"token": token})
	}

	memberHandler := func(w http.ResponseWriter, r *http.Request) {
		boardID := r.URL.Query().Get("board")
		userID := r.URL.Query().Get("user")
		if boardID == "" || userID == "" {
			http.Error(w, "board and user are required", http.StatusBadRequest)
			return
		}
		var err error
		switch r.Method {
		case http.MethodPost:
			err = stateStore.AddMember(boardID, userID)
		case http.MethodDelete:
			err = stateStore.RemoveMember(boardID, userID)
		default:
			http.Error(w, "POST or DELETE required", http.StatusMethodNotAllowed)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}

	if err := gw.AddHandler("/relay/v1/admin/token", guarded(tokenHandler)); err != nil {
		return err
	}
	return gw.AddHandler("/relay/v1/admin/member", guarded(memberHandler))
}

// forwardToLeader builds the follower-side publish relay: an
// authenticated POST of the event to the leader's internal endpoint.
func forwardToLeader(cfg *config.Cluster) raftlog.ForwardFunc {
	scheme := "http"
	if cfg.TLS.Cert != "" && cfg.TLS.Key != "" {
		scheme = "https"
	}
	httpClient := &http.Client{Timeout: 10 * time.Second}
	if scheme == "https" {
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.ClientSkipVerify},
		}
	}
	token := "Bearer " + raftlog.JoinToken(cfg.InstanceSecret)

	return func(ctx context.Context, leaderHTTPAddr string, ev models.Event) error {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("could not marshal event for forwarding: %w", err)
		}
		url := fmt.Sprintf("%s://%s/relay/v1/internal/publish", scheme, leaderHTTPAddr)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("leader rejected forwarded publish: %s (%s)",
				resp.Status, strings.TrimSpace(string(body)))
		}
		return nil
	}
}
