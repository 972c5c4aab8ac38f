package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/tusker/db"
	"github.com/deemkeen/tusker/domain"
)

const testBaseURL = "https://example.com"

type fakeFetcher struct {
	mu    sync.Mutex
	docs  map[string]string
	calls []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{docs: map[string]string{}}
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	doc, ok := f.docs[url]
	if !ok {
		return nil, &domain.DeliveryError{URL: url, Err: errors.New("fetch failed with status: 404")}
	}
	return []byte(doc), nil
}

func (f *fakeFetcher) fetched(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == url {
			n++
		}
	}
	return n
}

type sentActivity struct {
	sender   string
	inbox    string
	activity map[string]interface{}
}

type fakeDeliverer struct {
	mu   sync.Mutex
	sent []sentActivity
	err  error
}

func (f *fakeDeliverer) Deliver(_ context.Context, sender *domain.Actor, inbox string, activity []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var decoded map[string]interface{}
	if err := json.Unmarshal(activity, &decoded); err != nil {
		return err
	}
	f.sent = append(f.sent, sentActivity{sender: sender.Id, inbox: inbox, activity: decoded})
	return f.err
}

func (f *fakeDeliverer) all() []sentActivity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentActivity(nil), f.sent...)
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []domain.Notification
}

func (p *recordingPublisher) Publish(_ context.Context, n domain.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, n)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

type testEnv struct {
	db         *db.DB
	fetcher    *fakeFetcher
	deliverer  *fakeDeliverer
	publisher  *recordingPublisher
	dispatcher *Dispatcher
	outbox     *Outbox
}

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		db:        setupTestDB(t),
		fetcher:   newFakeFetcher(),
		deliverer: &fakeDeliverer{},
		publisher: &recordingPublisher{},
	}
	opts := Options{
		DB:        env.db,
		Fetcher:   env.fetcher,
		Deliverer: env.deliverer,
		Publisher: env.publisher,
		BaseURL:   testBaseURL,
	}
	env.dispatcher = NewDispatcher(opts)
	env.outbox = NewOutbox(opts)
	return env
}

func (env *testEnv) dispatch(t *testing.T, activity map[string]interface{}) error {
	t.Helper()
	body, err := json.Marshal(activity)
	if err != nil {
		t.Fatalf("Failed to marshal activity: %v", err)
	}
	return env.dispatcher.Dispatch(context.Background(), body)
}

func createLocalActor(t *testing.T, database *db.DB, username string, manual bool) *domain.Actor {
	t.Helper()
	id := ActorURI(testBaseURL, username)
	actor := &domain.Actor{
		Id:                        id,
		Type:                      "Person",
		Username:                  username,
		Domain:                    "example.com",
		Properties:                domain.Properties{"followers": id + "/followers"},
		InboxURI:                  id + "/inbox",
		OutboxURI:                 id + "/outbox",
		SharedInboxURI:            testBaseURL + "/inbox",
		ManuallyApprovesFollowers: manual,
		Origin:                    domain.OriginLocal,
		CreatedAt:                 time.Now(),
	}
	if err := database.CreateActor(context.Background(), actor); err != nil {
		t.Fatalf("Failed to create local actor %s: %v", username, err)
	}
	return actor
}

func remoteActorID(username string) string {
	return "https://remote.example/users/" + username
}

func createRemoteActor(t *testing.T, database *db.DB, username string) *domain.Actor {
	t.Helper()
	id := remoteActorID(username)
	actor := &domain.Actor{
		Id:             id,
		Type:           "Person",
		Username:       username,
		Domain:         "remote.example",
		Properties:     domain.Properties{"name": username},
		InboxURI:       id + "/inbox",
		SharedInboxURI: "https://remote.example/inbox",
		Origin:         domain.OriginRemote,
		CreatedAt:      time.Now(),
		LastFetchedAt:  time.Now(),
	}
	if err := database.UpsertRemoteActor(context.Background(), actor); err != nil {
		t.Fatalf("Failed to create remote actor %s: %v", username, err)
	}
	return actor
}

func remoteActorDocument(username string) string {
	id := remoteActorID(username)
	return fmt.Sprintf(`{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": %q,
		"type": "Person",
		"preferredUsername": %q,
		"inbox": %q,
		"endpoints": {"sharedInbox": "https://remote.example/inbox"},
		"publicKey": {"id": %q, "owner": %q, "publicKeyPem": "-----BEGIN PUBLIC KEY-----\ntest\n-----END PUBLIC KEY-----"}
	}`, id, username, id+"/inbox", id+"#main-key", id)
}

// storeNote caches a note authored by actor and places it in the actor's outbox.
func storeNote(t *testing.T, database *db.DB, actor *domain.Actor, originalID, content string) *domain.Object {
	t.Helper()
	ctx := context.Background()
	props := domain.Properties{"type": "Note", "id": originalID, "content": content, "attributedTo": actor.Id}
	obj, _, err := database.CacheObject(ctx, props, actor.Id, originalID, actor.IsLocal())
	if err != nil {
		t.Fatalf("Failed to cache note: %v", err)
	}
	if _, _, err := database.AddOutboxEntry(ctx, actor.Id, obj.Id, time.Time{}); err != nil {
		t.Fatalf("Failed to add outbox entry: %v", err)
	}
	return obj
}

func countNotifications(t *testing.T, database *db.DB, actorID string, kind domain.NotificationType) int {
	t.Helper()
	n, err := database.CountNotifications(context.Background(), actorID, kind)
	if err != nil {
		t.Fatalf("CountNotifications failed: %v", err)
	}
	return n
}
