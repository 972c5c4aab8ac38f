package db

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/tusker/domain"
	"github.com/google/uuid"
)

// setupTestDB opens a fresh database file for the test.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createTestActor(t *testing.T, db *DB, id, username string, origin domain.Origin) *domain.Actor {
	t.Helper()
	acc := &domain.Actor{
		Id:        id,
		Type:      "Person",
		Username:  username,
		Domain:    "example.com",
		InboxURI:  id + "/inbox",
		OutboxURI: id + "/outbox",
		Origin:    origin,
		CreatedAt: time.Now(),
	}
	if origin == domain.OriginRemote {
		acc.Domain = "remote.example"
	}
	if err := db.CreateActor(context.Background(), acc); err != nil {
		t.Fatalf("Failed to create actor %s: %v", id, err)
	}
	return acc
}

func cacheTestNote(t *testing.T, db *DB, actorID, objectID, content string) *domain.Object {
	t.Helper()
	obj, _, err := db.CacheObject(context.Background(), domain.Properties{
		"id":      objectID,
		"type":    "Note",
		"content": content,
	}, actorID, objectID, true)
	if err != nil {
		t.Fatalf("Failed to cache object %s: %v", objectID, err)
	}
	return obj
}

func TestCreateAndReadActor(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	createTestActor(t, db, "https://example.com/users/alice", "alice", domain.OriginLocal)

	acc, err := db.ReadActorById(ctx, "https://example.com/users/alice")
	if err != nil {
		t.Fatalf("ReadActorById failed: %v", err)
	}
	if acc.Username != "alice" || !acc.IsLocal() {
		t.Errorf("Unexpected actor: %s", acc.ToString())
	}

	byName, err := db.ReadLocalActorByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("ReadLocalActorByUsername failed: %v", err)
	}
	if byName.Id != acc.Id {
		t.Errorf("Expected id %s, got %s", acc.Id, byName.Id)
	}

	_, err = db.ReadActorById(ctx, "https://example.com/users/nobody")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestCreateActorRequiresOrigin(t *testing.T) {
	db := setupTestDB(t)
	err := db.CreateActor(context.Background(), &domain.Actor{Id: "https://example.com/users/x", Username: "x", Domain: "example.com"})
	if !domain.IsValidation(err) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestCreateActorDuplicate(t *testing.T) {
	db := setupTestDB(t)
	acc := createTestActor(t, db, "https://example.com/users/alice", "alice", domain.OriginLocal)
	err := db.CreateActor(context.Background(), acc)
	if !domain.IsConflict(err) {
		t.Errorf("Expected conflict error, got %v", err)
	}
}

func TestUpsertRemoteActor(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	remote := &domain.Actor{
		Id:         "https://remote.example/users/bob",
		Type:       "Person",
		Username:   "bob",
		Domain:     "remote.example",
		Properties: domain.Properties{"name": "Bob"},
		InboxURI:   "https://remote.example/users/bob/inbox",
		Origin:     domain.OriginRemote,
		CreatedAt:  time.Now(),
	}
	if err := db.UpsertRemoteActor(ctx, remote); err != nil {
		t.Fatalf("UpsertRemoteActor failed: %v", err)
	}
	remote.Properties = domain.Properties{"name": "Robert"}
	remote.SharedInboxURI = "https://remote.example/inbox"
	if err := db.UpsertRemoteActor(ctx, remote); err != nil {
		t.Fatalf("UpsertRemoteActor (update) failed: %v", err)
	}

	acc, err := db.ReadActorById(ctx, remote.Id)
	if err != nil {
		t.Fatalf("ReadActorById failed: %v", err)
	}
	if acc.DisplayName() != "Robert" {
		t.Errorf("Expected refreshed profile, got '%s'", acc.DisplayName())
	}
	if acc.DeliveryInbox() != "https://remote.example/inbox" {
		t.Errorf("Expected shared inbox, got '%s'", acc.DeliveryInbox())
	}
	if acc.Origin != domain.OriginRemote {
		t.Errorf("Expected remote origin, got %s", acc.Origin)
	}
}

func TestUpsertRemoteActorKeepsLocal(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	local := createTestActor(t, db, "https://example.com/users/alice", "alice", domain.OriginLocal)

	spoof := *local
	spoof.Properties = domain.Properties{"name": "spoofed"}
	spoof.Origin = domain.OriginRemote
	if err := db.UpsertRemoteActor(ctx, &spoof); err != nil {
		t.Fatalf("UpsertRemoteActor failed: %v", err)
	}

	acc, _ := db.ReadActorById(ctx, local.Id)
	if !acc.IsLocal() || acc.DisplayName() == "spoofed" {
		t.Error("A local actor must not be overwritten by a remote upsert")
	}
}

func TestCacheObjectDeduplicates(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	actor := createTestActor(t, db, "https://example.com/users/alice", "alice", domain.OriginLocal)
	noteID := "https://example.com/notes/1"

	first, created, err := db.CacheObject(ctx, domain.Properties{"type": "Note", "content": "v1"}, actor.Id, noteID, true)
	if err != nil {
		t.Fatalf("CacheObject failed: %v", err)
	}
	if !created {
		t.Error("Expected first cache to report created")
	}

	time.Sleep(2 * time.Millisecond)

	second, created, err := db.CacheObject(ctx, domain.Properties{"type": "Note", "content": "v2"}, actor.Id, noteID, true)
	if err != nil {
		t.Fatalf("CacheObject (second) failed: %v", err)
	}
	if created {
		t.Error("Expected second cache to report not created")
	}
	if second.Id != first.Id {
		t.Errorf("Identity changed: %s != %s", second.Id, first.Id)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("Creation time changed: %v != %v", second.CreatedAt, first.CreatedAt)
	}
	if second.Content() != "v2" {
		t.Errorf("Expected updated content 'v2', got '%s'", second.Content())
	}

	count, err := db.CountObjects(ctx, noteID)
	if err != nil {
		t.Fatalf("CountObjects failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected exactly 1 row, got %d", count)
	}
}

func TestCacheObjectConcurrent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	actor := createTestActor(t, db, "https://example.com/users/alice", "alice", domain.OriginLocal)
	noteID := "https://example.com/notes/race"

	var wg sync.WaitGroup
	var mu sync.Mutex
	createdCount := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := db.WithTx(ctx, func(q *Queries) error {
				_, created, err := q.CacheObject(ctx, domain.Properties{"type": "Note", "content": fmt.Sprintf("v%d", i)}, actor.Id, noteID, true)
				if created {
					mu.Lock()
					createdCount++
					mu.Unlock()
				}
				return err
			})
			if err != nil {
				t.Errorf("CacheObject %d failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if createdCount != 1 {
		t.Errorf("Expected exactly one creation, got %d", createdCount)
	}
	count, _ := db.CountObjects(ctx, noteID)
	if count != 1 {
		t.Errorf("Expected exactly 1 row, got %d", count)
	}
}

func TestCacheObjectRequiresId(t *testing.T) {
	db := setupTestDB(t)
	_, _, err := db.CacheObject(context.Background(), domain.Properties{"type": "Note"}, "https://example.com/users/a", "", false)
	if !domain.IsValidation(err) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestUpdateObjectPropertiesNotFound(t *testing.T) {
	db := setupTestDB(t)
	err := db.UpdateObjectProperties(context.Background(), "https://example.com/notes/missing", domain.Properties{"content": "x"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestDeleteObjectCascades(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	alice := createTestActor(t, db, "https://example.com/users/alice", "alice", domain.OriginLocal)
	bob := createTestActor(t, db, "https://example.com/users/bob", "bob", domain.OriginLocal)
	note := cacheTestNote(t, db, alice.Id, "https://example.com/notes/1", "hello")

	if _, _, err := db.AddOutboxEntry(ctx, alice.Id, note.Id, time.Time{}); err != nil {
		t.Fatalf("AddOutboxEntry failed: %v", err)
	}
	if _, err := db.InsertReaction(ctx, domain.ReactionLike, bob.Id, note.Id, "https://example.com/likes/1"); err != nil {
		t.Fatalf("InsertReaction failed: %v", err)
	}

	deleted, err := db.DeleteObject(ctx, note.OriginalObjectId)
	if err != nil || !deleted {
		t.Fatalf("DeleteObject failed: deleted=%v err=%v", deleted, err)
	}
	if n, _ := db.CountOutbox(ctx, alice.Id); n != 0 {
		t.Errorf("Expected outbox entry to be removed, got %d", n)
	}
	if n, _ := db.CountReactions(ctx, domain.ReactionLike, note.Id); n != 0 {
		t.Errorf("Expected reactions to be removed, got %d", n)
	}

	deleted, err = db.DeleteObject(ctx, note.OriginalObjectId)
	if err != nil || deleted {
		t.Errorf("Deleting a missing object should be a no-op, got deleted=%v err=%v", deleted, err)
	}
}

func TestRequestFollowIdempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	alice := createTestActor(t, db, "https://example.com/users/alice", "alice", domain.OriginLocal)
	bob := createTestActor(t, db, "https://remote.example/users/bob", "bob", domain.OriginRemote)

	first, err := db.RequestFollow(ctx, alice.Id, bob.Id, "https://example.com/follows/1")
	if err != nil {
		t.Fatalf("RequestFollow failed: %v", err)
	}
	second, err := db.RequestFollow(ctx, alice.Id, bob.Id, "https://example.com/follows/2")
	if err != nil {
		t.Fatalf("RequestFollow (second) failed: %v", err)
	}
	if first.Id != second.Id {
		t.Error("Expected the same relation to be returned")
	}
	if second.URI != "https://example.com/follows/1" {
		t.Errorf("Pending relation should be unchanged, got uri %s", second.URI)
	}
	if second.State != domain.FollowPending {
		t.Errorf("Expected pending, got %s", second.State)
	}

	var count int
	if err := db.db.QueryRow(`SELECT COUNT(*) FROM actor_following`).Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 relation row, got %d", count)
	}
}

func TestFollowTransitions(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	alice := createTestActor(t, db, "https://example.com/users/alice", "alice", domain.OriginLocal)
	bob := createTestActor(t, db, "https://remote.example/users/bob", "bob", domain.OriginRemote)

	if _, err := db.AcceptFollow(ctx, alice.Id, bob.Id); !domain.IsConflict(err) {
		t.Errorf("Accepting a missing follow should conflict, got %v", err)
	}

	if _, err := db.RequestFollow(ctx, alice.Id, bob.Id, "https://example.com/follows/1"); err != nil {
		t.Fatalf("RequestFollow failed: %v", err)
	}
	follow, err := db.AcceptFollow(ctx, alice.Id, bob.Id)
	if err != nil {
		t.Fatalf("AcceptFollow failed: %v", err)
	}
	if follow.State != domain.FollowAccepted {
		t.Errorf("Expected accepted, got %s", follow.State)
	}

	if _, err := db.AcceptFollow(ctx, alice.Id, bob.Id); err != nil {
		t.Errorf("Accepting twice should be a no-op, got %v", err)
	}
	if _, err := db.RejectFollow(ctx, alice.Id, bob.Id); !domain.IsConflict(err) {
		t.Errorf("Rejecting an accepted follow should conflict, got %v", err)
	}

	// Re-following while accepted keeps the relation.
	again, err := db.RequestFollow(ctx, alice.Id, bob.Id, "https://example.com/follows/2")
	if err != nil {
		t.Fatalf("RequestFollow failed: %v", err)
	}
	if again.State != domain.FollowAccepted {
		t.Errorf("Expected accepted relation unchanged, got %s", again.State)
	}
}

func TestRejectedFollowReopens(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	alice := createTestActor(t, db, "https://example.com/users/alice", "alice", domain.OriginLocal)
	bob := createTestActor(t, db, "https://remote.example/users/bob", "bob", domain.OriginRemote)

	db.RequestFollow(ctx, alice.Id, bob.Id, "https://example.com/follows/1")
	if _, err := db.RejectFollow(ctx, alice.Id, bob.Id); err != nil {
		t.Fatalf("RejectFollow failed: %v", err)
	}
	follow, err := db.RequestFollow(ctx, alice.Id, bob.Id, "https://example.com/follows/2")
	if err != nil {
		t.Fatalf("RequestFollow failed: %v", err)
	}
	if follow.State != domain.FollowPending || follow.URI != "https://example.com/follows/2" {
		t.Errorf("Expected reopened pending follow with new uri, got %s %s", follow.State, follow.URI)
	}
}

func TestListAccepted(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	alice := createTestActor(t, db, "https://example.com/users/alice", "alice", domain.OriginLocal)

	var targets []string
	for i := 0; i < 3; i++ {
		target := createTestActor(t, db, fmt.Sprintf("https://remote.example/users/u%d", i), fmt.Sprintf("u%d", i), domain.OriginRemote)
		targets = append(targets, target.Id)
		if _, err := db.RequestFollow(ctx, alice.Id, target.Id, ""); err != nil {
			t.Fatalf("RequestFollow failed: %v", err)
		}
		if i < 2 {
			if _, err := db.AcceptFollow(ctx, alice.Id, target.Id); err != nil {
				t.Fatalf("AcceptFollow failed: %v", err)
			}
		}
	}

	following, err := db.ListAccepted(ctx, alice.Id, domain.Following, nil, 1)
	if err != nil {
		t.Fatalf("ListAccepted failed: %v", err)
	}
	if len(following) != 1 || following[0].TargetActorId != targets[0] {
		t.Fatalf("Unexpected first page: %+v", following)
	}
	next, err := db.ListAccepted(ctx, alice.Id, domain.Following, &FollowCursor{CreatedAt: following[0].CreatedAt, Id: following[0].Id}, 10)
	if err != nil {
		t.Fatalf("ListAccepted (page 2) failed: %v", err)
	}
	if len(next) != 1 || next[0].TargetActorId != targets[1] {
		t.Errorf("Unexpected second page: %+v", next)
	}

	followers, err := db.ListAccepted(ctx, targets[0], domain.Followers, nil, 10)
	if err != nil {
		t.Fatalf("ListAccepted (followers) failed: %v", err)
	}
	if len(followers) != 1 || followers[0].ActorId != alice.Id {
		t.Errorf("Unexpected followers: %+v", followers)
	}

	if n, _ := db.CountAccepted(ctx, alice.Id, domain.Following); n != 2 {
		t.Errorf("Expected 2 accepted followees, got %d", n)
	}
}

func TestReadFollowerInboxes(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	alice := createTestActor(t, db, "https://example.com/users/alice", "alice", domain.OriginLocal)
	bob := createTestActor(t, db, "https://remote.example/users/bob", "bob", domain.OriginRemote)
	carol := createTestActor(t, db, "https://example.com/users/carol", "carol", domain.OriginLocal)

	for _, follower := range []string{bob.Id, carol.Id} {
		db.RequestFollow(ctx, follower, alice.Id, "")
		db.AcceptFollow(ctx, follower, alice.Id)
	}

	inboxes, err := db.ReadFollowerInboxes(ctx, alice.Id)
	if err != nil {
		t.Fatalf("ReadFollowerInboxes failed: %v", err)
	}
	if len(inboxes) != 1 || inboxes[0] != bob.InboxURI {
		t.Errorf("Expected only the remote follower's inbox, got %v", inboxes)
	}
}

func TestReactionsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	alice := createTestActor(t, db, "https://example.com/users/alice", "alice", domain.OriginLocal)
	note := cacheTestNote(t, db, alice.Id, "https://example.com/notes/1", "hello")

	created, err := db.InsertReaction(ctx, domain.ReactionLike, alice.Id, note.Id, "https://example.com/likes/1")
	if err != nil || !created {
		t.Fatalf("InsertReaction failed: created=%v err=%v", created, err)
	}
	created, err = db.InsertReaction(ctx, domain.ReactionLike, alice.Id, note.Id, "https://example.com/likes/2")
	if err != nil || created {
		t.Errorf("Second like should be ignored: created=%v err=%v", created, err)
	}
	if _, err := db.InsertReaction(ctx, domain.ReactionReblog, alice.Id, note.Id, ""); err != nil {
		t.Fatalf("InsertReaction (reblog) failed: %v", err)
	}

	if n, _ := db.CountReactions(ctx, domain.ReactionLike, note.Id); n != 1 {
		t.Errorf("Expected 1 like, got %d", n)
	}
	if n, _ := db.CountReactions(ctx, domain.ReactionReblog, note.Id); n != 1 {
		t.Errorf("Expected 1 reblog, got %d", n)
	}
	if ok, _ := db.HasReacted(ctx, domain.ReactionLike, alice.Id, note.Id); !ok {
		t.Error("Expected HasReacted to be true")
	}

	r, err := db.ReadReactionByURI(ctx, "https://example.com/likes/1")
	if err != nil {
		t.Fatalf("ReadReactionByURI failed: %v", err)
	}
	if r.Kind != domain.ReactionLike || r.ObjectId != note.Id {
		t.Errorf("Unexpected reaction: %+v", r)
	}

	removed, err := db.DeleteReaction(ctx, domain.ReactionLike, alice.Id, note.Id)
	if err != nil || !removed {
		t.Fatalf("DeleteReaction failed: removed=%v err=%v", removed, err)
	}
	removed, _ = db.DeleteReaction(ctx, domain.ReactionLike, alice.Id, note.Id)
	if removed {
		t.Error("Deleting a missing reaction should report false")
	}
	if n, _ := db.CountReactions(ctx, domain.ReactionLike, note.Id); n != 0 {
		t.Errorf("Expected 0 likes, got %d", n)
	}
}

func TestReplies(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	alice := createTestActor(t, db, "https://example.com/users/alice", "alice", domain.OriginLocal)
	parent := cacheTestNote(t, db, alice.Id, "https://example.com/notes/1", "parent")
	reply := cacheTestNote(t, db, alice.Id, "https://example.com/notes/2", "reply")

	if err := db.InsertReply(ctx, reply.Id, parent.Id, alice.Id); err != nil {
		t.Fatalf("InsertReply failed: %v", err)
	}
	if err := db.InsertReply(ctx, reply.Id, parent.Id, alice.Id); err != nil {
		t.Fatalf("InsertReply (again) failed: %v", err)
	}
	if n, _ := db.ReplyCount(ctx, parent.Id); n != 1 {
		t.Errorf("Expected 1 reply, got %d", n)
	}
	if ok, _ := db.IsReply(ctx, reply.Id); !ok {
		t.Error("Expected reply to be marked as reply")
	}
	if ok, _ := db.IsReply(ctx, parent.Id); ok {
		t.Error("Parent is not a reply")
	}
}

func TestOutboxOrdering(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	alice := createTestActor(t, db, "https://example.com/users/alice", "alice", domain.OriginLocal)
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	older := cacheTestNote(t, db, alice.Id, "https://example.com/notes/old", "old")
	newer := cacheTestNote(t, db, alice.Id, "https://example.com/notes/new", "new")
	// Inserted newest first; published_at decides the order.
	db.AddOutboxEntry(ctx, alice.Id, newer.Id, base.Add(time.Hour))
	db.AddOutboxEntry(ctx, alice.Id, older.Id, base)

	entry, created, err := db.AddOutboxEntry(ctx, alice.Id, older.Id, base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("AddOutboxEntry failed: %v", err)
	}
	if created || !entry.PublishedAt.Equal(base) {
		t.Errorf("Existing entry should be unchanged, got created=%v published=%v", created, entry.PublishedAt)
	}

	items, err := db.ReadOutbox(ctx, alice.Id, nil, 10)
	if err != nil {
		t.Fatalf("ReadOutbox failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("Expected 2 items, got %d", len(items))
	}
	if items[0].Object.Content() != "new" || items[1].Object.Content() != "old" {
		t.Errorf("Unexpected order: %s, %s", items[0].Object.Content(), items[1].Object.Content())
	}

	cursor := Cursor{PublishedAt: items[0].Entry.PublishedAt, Id: items[0].Entry.Id}
	rest, err := db.ReadOutbox(ctx, alice.Id, &cursor, 10)
	if err != nil {
		t.Fatalf("ReadOutbox (page 2) failed: %v", err)
	}
	if len(rest) != 1 || rest[0].Object.Content() != "old" {
		t.Errorf("Unexpected second page: %+v", rest)
	}
}

func TestCursorRoundtrip(t *testing.T) {
	c := Cursor{PublishedAt: time.UnixMicro(1700000000123456).UTC(), Id: uuid.Must(uuid.NewV7())}
	parsed, err := ParseCursor(c.String())
	if err != nil {
		t.Fatalf("ParseCursor failed: %v", err)
	}
	if !parsed.PublishedAt.Equal(c.PublishedAt) || parsed.Id != c.Id {
		t.Errorf("Roundtrip mismatch: %v != %v", parsed, c)
	}

	for _, bad := range []string{"", "123", "abc_" + c.Id.String(), "123_not-a-uuid"} {
		if _, err := ParseCursor(bad); !domain.IsValidation(err) {
			t.Errorf("ParseCursor(%q) should fail with validation error, got %v", bad, err)
		}
	}
}

func TestNotifications(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	alice := createTestActor(t, db, "https://example.com/users/alice", "alice", domain.OriginLocal)
	note := cacheTestNote(t, db, alice.Id, "https://example.com/notes/1", "hello")

	objectID := note.Id
	for _, n := range []*domain.Notification{
		{Type: domain.NotificationFollow, ActorId: alice.Id, FromActorId: "https://remote.example/users/bob"},
		{Type: domain.NotificationFavourite, ActorId: alice.Id, FromActorId: "https://remote.example/users/bob", ObjectId: &objectID},
	} {
		if err := db.CreateNotification(ctx, n); err != nil {
			t.Fatalf("CreateNotification failed: %v", err)
		}
	}

	list, err := db.ReadNotifications(ctx, alice.Id, nil, 10)
	if err != nil {
		t.Fatalf("ReadNotifications failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("Expected 2 notifications, got %d", len(list))
	}
	if list[0].Type != domain.NotificationFavourite || list[0].ObjectId == nil || *list[0].ObjectId != note.Id {
		t.Errorf("Expected newest favourite notification first, got %+v", list[0])
	}
	if list[1].ObjectId != nil {
		t.Error("Follow notification should carry no object")
	}

	older, err := db.ReadNotifications(ctx, alice.Id, &list[0].Id, 10)
	if err != nil {
		t.Fatalf("ReadNotifications (max id) failed: %v", err)
	}
	if len(older) != 1 || older[0].Type != domain.NotificationFollow {
		t.Errorf("Unexpected older notifications: %+v", older)
	}
}

func TestRecordActivity(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	activity := &domain.Activity{
		ActivityURI:  "https://remote.example/activities/1",
		ActivityType: "Like",
		ActorURI:     "https://remote.example/users/bob",
		ObjectURI:    "https://example.com/notes/1",
		RawJSON:      `{"type":"Like"}`,
	}
	created, err := db.RecordActivity(ctx, activity)
	if err != nil || !created {
		t.Fatalf("RecordActivity failed: created=%v err=%v", created, err)
	}
	created, err = db.RecordActivity(ctx, &domain.Activity{ActivityURI: activity.ActivityURI, ActivityType: "Like", ActorURI: activity.ActorURI, RawJSON: "{}"})
	if err != nil || created {
		t.Errorf("Duplicate activity should not be recorded: created=%v err=%v", created, err)
	}

	if done, _ := db.IsActivityProcessed(ctx, activity.ActivityURI); done {
		t.Error("Activity should not be processed yet")
	}
	if err := db.MarkActivityProcessed(ctx, activity.ActivityURI); err != nil {
		t.Fatalf("MarkActivityProcessed failed: %v", err)
	}
	stored, err := db.ReadActivityByURI(ctx, activity.ActivityURI)
	if err != nil {
		t.Fatalf("ReadActivityByURI failed: %v", err)
	}
	if !stored.Processed || stored.ObjectURI != activity.ObjectURI {
		t.Errorf("Unexpected stored activity: %+v", stored)
	}
}

func TestDeliveryQueue(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	due := &domain.DeliveryQueueItem{SenderId: "https://example.com/users/alice", InboxURI: "https://remote.example/inbox", ActivityJSON: "{}"}
	later := &domain.DeliveryQueueItem{SenderId: "https://example.com/users/alice", InboxURI: "https://other.example/inbox", ActivityJSON: "{}", NextRetryAt: now.Add(time.Hour)}
	for _, item := range []*domain.DeliveryQueueItem{due, later} {
		if err := db.EnqueueDelivery(ctx, item); err != nil {
			t.Fatalf("EnqueueDelivery failed: %v", err)
		}
	}

	pending, err := db.ReadPendingDeliveries(ctx, now.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("ReadPendingDeliveries failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Id != due.Id {
		t.Fatalf("Expected only the due item, got %+v", pending)
	}

	if err := db.UpdateDeliveryAttempt(ctx, due.Id, 1, now.Add(time.Minute)); err != nil {
		t.Fatalf("UpdateDeliveryAttempt failed: %v", err)
	}
	pending, _ = db.ReadPendingDeliveries(ctx, now.Add(time.Second), 10)
	if len(pending) != 0 {
		t.Errorf("Expected nothing due after reschedule, got %d", len(pending))
	}

	if err := db.DeleteDelivery(ctx, due.Id); err != nil {
		t.Fatalf("DeleteDelivery failed: %v", err)
	}
	if n, _ := db.CountDeliveries(ctx); n != 1 {
		t.Errorf("Expected 1 queued item, got %d", n)
	}
}

func TestWithTxRollsBack(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	alice := createTestActor(t, db, "https://example.com/users/alice", "alice", domain.OriginLocal)
	boom := errors.New("boom")

	err := db.WithTx(ctx, func(q *Queries) error {
		if _, _, err := q.CacheObject(ctx, domain.Properties{"type": "Note"}, alice.Id, "https://example.com/notes/tx", true); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected the handler error, got %v", err)
	}
	if n, _ := db.CountObjects(ctx, "https://example.com/notes/tx"); n != 0 {
		t.Errorf("Expected rollback, found %d rows", n)
	}
}
