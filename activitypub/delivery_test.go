package activitypub

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/deemkeen/tusker/domain"
)

func TestHTTPDelivererSignsRequest(t *testing.T) {
	database := setupTestDB(t)
	alice, err := CreateLocalActor(context.Background(), database, testBaseURL, "alice", "", false)
	if err != nil {
		t.Fatalf("CreateLocalActor failed: %v", err)
	}
	body := []byte(`{"type":"Like","actor":"https://example.com/users/alice","object":"https://remote.example/notes/1"}`)

	var verifiedActor string
	var verifyErr error
	var contentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received, _ := io.ReadAll(r.Body)
		contentType = r.Header.Get("Content-Type")
		verifiedActor, verifyErr = VerifyRequest(r, alice.PublicKeyPem, received)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	d := NewHTTPDeliverer(5*time.Second, nil)
	if err := d.Deliver(context.Background(), alice, server.URL+"/inbox", body); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if verifyErr != nil {
		t.Fatalf("Signature did not verify: %v", verifyErr)
	}
	if verifiedActor != alice.Id {
		t.Errorf("Expected key owner %s, got %s", alice.Id, verifiedActor)
	}
	if contentType != ContentType {
		t.Errorf("Expected Content-Type %s, got %s", ContentType, contentType)
	}
}

func TestHTTPDelivererRejectedStatus(t *testing.T) {
	database := setupTestDB(t)
	alice, err := CreateLocalActor(context.Background(), database, testBaseURL, "alice", "", false)
	if err != nil {
		t.Fatalf("CreateLocalActor failed: %v", err)
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	d := NewHTTPDeliverer(5*time.Second, nil)
	err = d.Deliver(context.Background(), alice, server.URL+"/inbox", []byte(`{}`))
	if !domain.IsDelivery(err) {
		t.Errorf("Expected DeliveryError, got %v", err)
	}
}

func TestHTTPDelivererWithoutKey(t *testing.T) {
	d := NewHTTPDeliverer(time.Second, nil)
	sender := &domain.Actor{Id: testBaseURL + "/users/nokey"}
	if err := d.Deliver(context.Background(), sender, "https://remote.example/inbox", []byte(`{}`)); err == nil {
		t.Error("Expected an error for a sender without a private key")
	}
}

func enqueueTestDelivery(t *testing.T, env *testEnv, sender *domain.Actor) {
	t.Helper()
	q := NewQueueDeliverer(env.db)
	if err := q.Deliver(context.Background(), sender, "https://remote.example/inbox", []byte(`{"type":"Create"}`)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
}

func TestDeliveryWorkerDelivers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := createLocalActor(t, env.db, "alice", false)
	enqueueTestDelivery(t, env, alice)

	w := NewDeliveryWorker(env.db, env.deliverer, time.Second, 10, nil)
	delivered, err := w.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}
	if delivered != 1 {
		t.Errorf("Expected 1 delivery, got %d", delivered)
	}
	sent := env.deliverer.all()
	if len(sent) != 1 || sent[0].sender != alice.Id || sent[0].inbox != "https://remote.example/inbox" {
		t.Errorf("Unexpected deliveries: %+v", sent)
	}
	if n, _ := env.db.CountDeliveries(ctx); n != 0 {
		t.Errorf("Expected empty queue, got %d", n)
	}
}

func TestDeliveryWorkerRetries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := createLocalActor(t, env.db, "alice", false)
	enqueueTestDelivery(t, env, alice)
	env.deliverer.err = &domain.DeliveryError{URL: "https://remote.example/inbox", Err: errors.New("503")}

	now := time.Now()
	w := NewDeliveryWorker(env.db, env.deliverer, time.Second, 10, nil)
	w.now = func() time.Time { return now }

	if delivered, err := w.ProcessQueue(ctx); err != nil || delivered != 0 {
		t.Fatalf("Expected failed delivery, got %d (%v)", delivered, err)
	}
	items, err := env.db.ReadPendingDeliveries(ctx, now.Add(2*time.Minute), 10)
	if err != nil {
		t.Fatalf("ReadPendingDeliveries failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("Expected the item to stay queued, got %d", len(items))
	}
	if items[0].Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", items[0].Attempts)
	}
	if items[0].NextRetryAt.Before(now.Add(59 * time.Second)) {
		t.Errorf("Expected retry to be scheduled about a minute later, got %s", items[0].NextRetryAt.Sub(now))
	}

	// Not due yet
	if delivered, _ := w.ProcessQueue(ctx); delivered != 0 || len(env.deliverer.all()) != 1 {
		t.Error("Item must not be retried before its backoff elapsed")
	}

	env.deliverer.err = nil
	w.now = func() time.Time { return now.Add(2 * time.Minute) }
	if delivered, err := w.ProcessQueue(ctx); err != nil || delivered != 1 {
		t.Errorf("Expected retry to succeed, got %d (%v)", delivered, err)
	}
}

func TestDeliveryWorkerGivesUp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := createLocalActor(t, env.db, "alice", false)
	enqueueTestDelivery(t, env, alice)
	env.deliverer.err = &domain.DeliveryError{URL: "https://remote.example/inbox", Err: errors.New("gone")}

	items, _ := env.db.ReadPendingDeliveries(ctx, time.Now(), 10)
	if len(items) != 1 {
		t.Fatalf("Expected 1 queued item, got %d", len(items))
	}
	if err := env.db.UpdateDeliveryAttempt(ctx, items[0].Id, maxDeliveryAttempts-1, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("UpdateDeliveryAttempt failed: %v", err)
	}

	w := NewDeliveryWorker(env.db, env.deliverer, time.Second, 10, nil)
	if _, err := w.ProcessQueue(ctx); err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}
	if n, _ := env.db.CountDeliveries(ctx); n != 0 {
		t.Errorf("Expected the item to be dropped, got %d queued", n)
	}
}

func TestDeliveryWorkerStopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	w := NewDeliveryWorker(env.db, env.deliverer, 10*time.Millisecond, 10, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNextBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Minute},
		{1, time.Minute},
		{2, 5 * time.Minute},
		{3, 15 * time.Minute},
		{4, time.Hour},
		{5, 4 * time.Hour},
		{6, 24 * time.Hour},
		{9, 24 * time.Hour},
	}
	for _, tt := range tests {
		if got := NextBackoff(tt.attempts); got != tt.want {
			t.Errorf("NextBackoff(%d) = %s, want %s", tt.attempts, got, tt.want)
		}
	}
}
