package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/deemkeen/tusker/db"
	"github.com/deemkeen/tusker/domain"
	"github.com/deemkeen/tusker/util"
	"go.uber.org/zap"
)

// actorTTL is how long a cached remote actor is trusted before it is fetched again.
const actorTTL = 24 * time.Hour

var usernameRe = regexp.MustCompile(`^[a-z0-9_]{1,30}$`)

// ActorResolver returns actors from the directory, fetching unseen or stale remote ones.
type ActorResolver struct {
	db      *db.DB
	fetcher Fetcher
	log     *zap.Logger
	now     func() time.Time
}

func NewActorResolver(database *db.DB, fetcher Fetcher, log *zap.Logger) *ActorResolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &ActorResolver{db: database, fetcher: fetcher, log: log, now: time.Now}
}

// GetOrFetchActor returns actor from cache or fetches if not cached/stale.
// Local actors are never fetched. A stale actor is still returned when the refresh fails.
func (r *ActorResolver) GetOrFetchActor(ctx context.Context, actorURI string) (*domain.Actor, error) {
	cached, err := r.db.ReadActorById(ctx, actorURI)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if cached != nil {
		if cached.IsLocal() || r.now().Sub(cached.LastFetchedAt) < actorTTL {
			return cached, nil
		}
	}

	fetched, err := r.FetchRemoteActor(ctx, actorURI)
	if err != nil {
		if cached != nil {
			r.log.Warn("Failed to refresh remote actor, using cached copy", zap.String("actor", actorURI), zap.Error(err))
			return cached, nil
		}
		return nil, err
	}
	return fetched, nil
}

// FetchRemoteActor fetches an actor from a remote server and stores it in the directory.
func (r *ActorResolver) FetchRemoteActor(ctx context.Context, actorURI string) (*domain.Actor, error) {
	if r.fetcher == nil {
		return nil, &domain.DeliveryError{URL: actorURI, Err: errors.New("remote fetching is disabled")}
	}
	body, err := r.fetcher.Fetch(ctx, actorURI)
	if err != nil {
		return nil, err
	}

	props := domain.Properties{}
	if err := json.Unmarshal(body, &props); err != nil {
		return nil, &domain.DeliveryError{URL: actorURI, Err: fmt.Errorf("failed to parse actor JSON: %w", err)}
	}

	actor, err := ActorFromProperties(props)
	if err != nil {
		return nil, err
	}
	if actor.Id != actorURI {
		return nil, domain.NewValidationError("actor document %s has id %s", actorURI, actor.Id)
	}
	actor.LastFetchedAt = r.now()
	actor.CreatedAt = actor.LastFetchedAt

	if err := r.db.UpsertRemoteActor(ctx, actor); err != nil {
		return nil, fmt.Errorf("failed to store remote actor: %w", err)
	}
	r.log.Info("Fetched remote actor", zap.String("actor", actor.Id), zap.String("acct", actor.Acct()))
	return r.db.ReadActorById(ctx, actor.Id)
}

// ActorFromProperties builds a remote actor from its ActivityPub document.
// Only the id is required; the username falls back to the last path segment.
func ActorFromProperties(props domain.Properties) (*domain.Actor, error) {
	id := props.String("id")
	if id == "" {
		return nil, domain.NewValidationError("actor missing required fields")
	}
	domainName, err := extractDomain(id)
	if err != nil {
		return nil, err
	}

	actor := &domain.Actor{
		Id:         id,
		Type:       props.String("type"),
		Username:   props.String("preferredUsername"),
		Domain:     domainName,
		Properties: props,
		InboxURI:   props.String("inbox"),
		OutboxURI:  props.String("outbox"),
		Origin:     domain.OriginRemote,
	}
	if actor.Type == "" {
		actor.Type = "Person"
	}
	if actor.Username == "" {
		actor.Username = extractUsername(id)
	}
	if endpoints, ok := props["endpoints"].(map[string]interface{}); ok {
		actor.SharedInboxURI, _ = endpoints["sharedInbox"].(string)
	}
	if key, ok := props["publicKey"].(map[string]interface{}); ok {
		actor.PublicKeyPem, _ = key["publicKeyPem"].(string)
	}
	actor.ManuallyApprovesFollowers, _ = props["manuallyApprovesFollowers"].(bool)
	return actor, nil
}

// ActorURI is the id minted for a local username.
func ActorURI(baseURL, username string) string {
	return fmt.Sprintf("%s/users/%s", baseURL, username)
}

// CreateLocalActor registers a local Person with a fresh RSA key pair.
func CreateLocalActor(ctx context.Context, database *db.DB, baseURL, username, summary string, manuallyApproves bool) (*domain.Actor, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if !usernameRe.MatchString(username) {
		return nil, domain.NewValidationError("invalid username %q", username)
	}
	domainName, err := extractDomain(baseURL)
	if err != nil {
		return nil, err
	}

	keypair, err := util.GeneratePemKeypair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate keys: %w", err)
	}

	id := ActorURI(baseURL, username)
	actor := &domain.Actor{
		Id:                        id,
		Type:                      "Person",
		Username:                  username,
		Domain:                    domainName,
		PublicKeyPem:              keypair.Public,
		PrivateKeyPem:             keypair.Private,
		InboxURI:                  id + "/inbox",
		OutboxURI:                 id + "/outbox",
		SharedInboxURI:            baseURL + "/inbox",
		ManuallyApprovesFollowers: manuallyApproves,
		Origin:                    domain.OriginLocal,
		CreatedAt:                 time.Now(),
	}
	actor.Properties = domain.Properties{
		"type":              "Person",
		"preferredUsername": username,
		"name":              username,
		"summary":           summary,
		"url":               fmt.Sprintf("%s/@%s", baseURL, username),
		"followers":         id + "/followers",
		"following":         id + "/following",
	}

	if err := database.CreateActor(ctx, actor); err != nil {
		return nil, err
	}
	return actor, nil
}

// ActorDocument renders an actor as an ActivityPub document.
func ActorDocument(actor *domain.Actor) map[string]interface{} {
	doc := map[string]interface{}{}
	for k, v := range actor.Properties {
		doc[k] = v
	}
	doc["@context"] = []interface{}{ContextActivityStreams, "https://w3id.org/security/v1"}
	doc["id"] = actor.Id
	doc["type"] = actor.Type
	doc["preferredUsername"] = actor.Username
	doc["inbox"] = actor.InboxURI
	doc["outbox"] = actor.OutboxURI
	doc["manuallyApprovesFollowers"] = actor.ManuallyApprovesFollowers
	if actor.SharedInboxURI != "" {
		doc["endpoints"] = map[string]interface{}{"sharedInbox": actor.SharedInboxURI}
	}
	if actor.PublicKeyPem != "" {
		doc["publicKey"] = map[string]interface{}{
			"id":           actor.Id + "#main-key",
			"owner":        actor.Id,
			"publicKeyPem": actor.PublicKeyPem,
		}
	}
	return doc
}

// extractDomain extracts the domain from an actor URI
// Example: "https://mastodon.social/users/alice" -> "mastodon.social"
func extractDomain(actorURI string) (string, error) {
	parsed, err := url.Parse(actorURI)
	if err != nil || parsed.Host == "" {
		return "", domain.NewValidationError("invalid actor URI: %s", actorURI)
	}

	return parsed.Host, nil
}

// extractUsername extracts username from various URI formats
// Examples:
// - "https://example.com/users/alice" -> "alice"
// - "https://example.com/@alice" -> "alice"
func extractUsername(uri string) string {
	parts := strings.Split(strings.TrimRight(uri, "/"), "/")
	if len(parts) > 0 {
		username := parts[len(parts)-1]
		// Remove @ prefix if present
		return strings.TrimPrefix(username, "@")
	}
	return ""
}
