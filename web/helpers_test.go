package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/tusker/activitypub"
	"github.com/deemkeen/tusker/db"
	"github.com/deemkeen/tusker/domain"
	"github.com/deemkeen/tusker/timeline"
	"github.com/deemkeen/tusker/util"
	"github.com/gin-gonic/gin"
)

const (
	testDomain  = "example.com"
	testBaseURL = "https://example.com"
	testSecret  = "test-secret"
)

type fakeFetcher struct {
	mu   sync.Mutex
	docs map[string]string
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[url]
	if !ok {
		return nil, &domain.DeliveryError{URL: url, Err: errors.New("fetch failed with status: 404")}
	}
	return []byte(doc), nil
}

type delivery struct {
	inbox    string
	activity map[string]interface{}
}

type fakeDeliverer struct {
	mu   sync.Mutex
	sent []delivery
}

func (d *fakeDeliverer) Deliver(_ context.Context, _ *domain.Actor, inbox string, activity []byte) error {
	var doc map[string]interface{}
	if err := json.Unmarshal(activity, &doc); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, delivery{inbox: inbox, activity: doc})
	return nil
}

func (d *fakeDeliverer) all() []delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]delivery(nil), d.sent...)
}

type testEnv struct {
	conf      *util.AppConfig
	db        *db.DB
	fetcher   *fakeFetcher
	deliverer *fakeDeliverer
	outbox    *activitypub.Outbox
	tokens    *TokenValidator
	router    *gin.Engine
}

// newTestEnv builds a router over a fresh database. verify turns on inbox
// signature verification.
func newTestEnv(t *testing.T, verify bool) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	conf := &util.AppConfig{}
	conf.Conf.SslDomain = testDomain
	conf.Conf.WithAp = true
	conf.Auth.JwtSecret = testSecret

	tokens, err := NewTokenValidator(testSecret, util.Name)
	if err != nil {
		t.Fatalf("NewTokenValidator failed: %v", err)
	}

	env := &testEnv{
		conf:      conf,
		db:        database,
		fetcher:   &fakeFetcher{docs: map[string]string{}},
		deliverer: &fakeDeliverer{},
		tokens:    tokens,
	}
	apOpts := activitypub.Options{
		DB:        database,
		Fetcher:   env.fetcher,
		Deliverer: env.deliverer,
		BaseURL:   testBaseURL,
	}
	env.outbox = activitypub.NewOutbox(apOpts)

	deps := Dependencies{
		Conf:       conf,
		DB:         database,
		Dispatcher: activitypub.NewDispatcher(apOpts),
		Outbox:     env.outbox,
		Timelines:  timeline.NewBuilder(database, timeline.NewMemoryCache(time.Minute), time.Minute, nil),
		Tokens:     tokens,
	}
	if verify {
		deps.Verifier = activitypub.NewSignatureVerifier(activitypub.NewActorResolver(database, env.fetcher, nil), nil)
	}
	env.router, err = NewRouter(deps)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}
	return env
}

func (env *testEnv) createUser(t *testing.T, username string, manual bool) *domain.Actor {
	t.Helper()
	actor, err := activitypub.CreateLocalActor(context.Background(), env.db, testBaseURL, username, "test summary", manual)
	if err != nil {
		t.Fatalf("CreateLocalActor failed: %v", err)
	}
	return actor
}

func (env *testEnv) token(t *testing.T, actor *domain.Actor) string {
	t.Helper()
	token, err := env.tokens.IssueToken(actor.Id, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	return token
}

func (env *testEnv) postNote(t *testing.T, author *domain.Actor, text string) *domain.Object {
	t.Helper()
	obj, err := env.outbox.PostNote(context.Background(), author, text, nil)
	if err != nil {
		t.Fatalf("PostNote failed: %v", err)
	}
	return obj
}

// do sends a request through the router. body is JSON encoded unless it is nil.
func (env *testEnv) do(t *testing.T, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("Invalid JSON response %q: %v", w.Body.String(), err)
	}
}

func localPath(uri string) string {
	return strings.TrimPrefix(uri, testBaseURL)
}
