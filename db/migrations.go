package db

import (
	"context"

	"go.uber.org/zap"
)

const (
	// Local and cached remote actors
	sqlCreateActorsTable = `CREATE TABLE IF NOT EXISTS actors (
		id TEXT NOT NULL PRIMARY KEY,
		type TEXT NOT NULL DEFAULT 'Person',
		username TEXT NOT NULL,
		domain TEXT NOT NULL,
		properties TEXT NOT NULL DEFAULT '{}',
		public_key_pem TEXT NOT NULL DEFAULT '',
		private_key_pem TEXT NOT NULL DEFAULT '',
		inbox_uri TEXT NOT NULL DEFAULT '',
		outbox_uri TEXT NOT NULL DEFAULT '',
		shared_inbox_uri TEXT NOT NULL DEFAULT '',
		manually_approves_followers INTEGER NOT NULL DEFAULT 0,
		origin TEXT NOT NULL CHECK (origin IN ('local', 'remote')),
		created_at INTEGER NOT NULL,
		last_fetched_at INTEGER NOT NULL DEFAULT 0,
		UNIQUE(username, domain)
	)`

	sqlCreateActorsIndices = `
		CREATE INDEX IF NOT EXISTS idx_actors_origin ON actors(origin);
	`

	// Cached federation objects, one row per original object id
	sqlCreateObjectsTable = `CREATE TABLE IF NOT EXISTS objects (
		id TEXT NOT NULL PRIMARY KEY,
		original_object_id TEXT UNIQUE NOT NULL,
		original_actor_id TEXT NOT NULL,
		type TEXT NOT NULL,
		properties TEXT NOT NULL DEFAULT '{}',
		local INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	)`

	sqlCreateObjectsIndices = `
		CREATE INDEX IF NOT EXISTS idx_objects_original_actor_id ON objects(original_actor_id);
		CREATE INDEX IF NOT EXISTS idx_objects_local ON objects(local);
	`

	sqlCreateOutboxObjectsTable = `CREATE TABLE IF NOT EXISTS outbox_objects (
		id TEXT NOT NULL PRIMARY KEY,
		actor_id TEXT NOT NULL REFERENCES actors(id) ON DELETE CASCADE,
		object_id TEXT NOT NULL REFERENCES objects(id) ON DELETE CASCADE,
		published_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(actor_id, object_id)
	)`

	sqlCreateOutboxObjectsIndices = `
		CREATE INDEX IF NOT EXISTS idx_outbox_objects_published ON outbox_objects(published_at DESC, id DESC);
		CREATE INDEX IF NOT EXISTS idx_outbox_objects_actor ON outbox_objects(actor_id, published_at DESC);
		CREATE INDEX IF NOT EXISTS idx_outbox_objects_object ON outbox_objects(object_id);
	`

	// Follow relationships table
	sqlCreateFollowingTable = `CREATE TABLE IF NOT EXISTS actor_following (
		id TEXT NOT NULL PRIMARY KEY,
		actor_id TEXT NOT NULL REFERENCES actors(id) ON DELETE CASCADE,
		target_actor_id TEXT NOT NULL REFERENCES actors(id) ON DELETE CASCADE,
		uri TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL CHECK (state IN ('pending', 'accepted', 'rejected')),
		created_at INTEGER NOT NULL,
		UNIQUE(actor_id, target_actor_id)
	)`

	sqlCreateFollowingIndices = `
		CREATE INDEX IF NOT EXISTS idx_actor_following_target ON actor_following(target_actor_id, state);
		CREATE INDEX IF NOT EXISTS idx_actor_following_uri ON actor_following(uri);
	`

	// Likes and reblogs
	sqlCreateReactionsTable = `CREATE TABLE IF NOT EXISTS actor_reactions (
		id TEXT NOT NULL PRIMARY KEY,
		kind TEXT NOT NULL CHECK (kind IN ('like', 'reblog')),
		actor_id TEXT NOT NULL REFERENCES actors(id) ON DELETE CASCADE,
		object_id TEXT NOT NULL REFERENCES objects(id) ON DELETE CASCADE,
		uri TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		UNIQUE(kind, actor_id, object_id)
	)`

	sqlCreateReactionsIndices = `
		CREATE INDEX IF NOT EXISTS idx_actor_reactions_object ON actor_reactions(object_id, kind);
	`

	sqlCreateRepliesTable = `CREATE TABLE IF NOT EXISTS actor_replies (
		object_id TEXT NOT NULL PRIMARY KEY REFERENCES objects(id) ON DELETE CASCADE,
		in_reply_to_object_id TEXT NOT NULL REFERENCES objects(id) ON DELETE CASCADE,
		actor_id TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`

	sqlCreateRepliesIndices = `
		CREATE INDEX IF NOT EXISTS idx_actor_replies_parent ON actor_replies(in_reply_to_object_id);
	`

	sqlCreateNotificationsTable = `CREATE TABLE IF NOT EXISTS actor_notifications (
		id TEXT NOT NULL PRIMARY KEY,
		type TEXT NOT NULL,
		actor_id TEXT NOT NULL REFERENCES actors(id) ON DELETE CASCADE,
		from_actor_id TEXT NOT NULL,
		object_id TEXT REFERENCES objects(id) ON DELETE SET NULL,
		created_at INTEGER NOT NULL
	)`

	sqlCreateNotificationsIndices = `
		CREATE INDEX IF NOT EXISTS idx_actor_notifications_actor ON actor_notifications(actor_id, id DESC);
	`

	// Activities log table (for deduplication & undo resolution)
	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT UNIQUE NOT NULL,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT NOT NULL DEFAULT '',
		raw_json TEXT NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		local INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	)`

	sqlCreateActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_activities_type ON activities(activity_type);
		CREATE INDEX IF NOT EXISTS idx_activities_object_uri ON activities(object_uri);
	`

	// Delivery queue table
	sqlCreateDeliveryQueueTable = `CREATE TABLE IF NOT EXISTS delivery_queue (
		id TEXT NOT NULL PRIMARY KEY,
		sender_actor_id TEXT NOT NULL,
		inbox_uri TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_retry_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	)`

	sqlCreateDeliveryQueueIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_next_retry ON delivery_queue(next_retry_at);
	`
)

type migration struct {
	table   string
	create  string
	indices string
}

var migrations = []migration{
	{"actors", sqlCreateActorsTable, sqlCreateActorsIndices},
	{"objects", sqlCreateObjectsTable, sqlCreateObjectsIndices},
	{"outbox_objects", sqlCreateOutboxObjectsTable, sqlCreateOutboxObjectsIndices},
	{"actor_following", sqlCreateFollowingTable, sqlCreateFollowingIndices},
	{"actor_reactions", sqlCreateReactionsTable, sqlCreateReactionsIndices},
	{"actor_replies", sqlCreateRepliesTable, sqlCreateRepliesIndices},
	{"actor_notifications", sqlCreateNotificationsTable, sqlCreateNotificationsIndices},
	{"activities", sqlCreateActivitiesTable, sqlCreateActivitiesIndices},
	{"delivery_queue", sqlCreateDeliveryQueueTable, sqlCreateDeliveryQueueIndices},
}

// RunMigrations executes all database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	return db.WithTx(ctx, func(q *Queries) error {
		for _, m := range migrations {
			if err := db.createTableIfNotExists(ctx, q, m.create, m.table); err != nil {
				return err
			}
			if _, err := q.q.ExecContext(ctx, m.indices); err != nil {
				db.log.Warn("Failed to create indices", zap.String("table", m.table), zap.Error(err))
			}
		}
		return nil
	})
}

func (db *DB) createTableIfNotExists(ctx context.Context, q *Queries, createSQL string, tableName string) error {
	if _, err := q.q.ExecContext(ctx, createSQL); err != nil {
		db.log.Error("Error creating table", zap.String("table", tableName), zap.Error(err))
		return err
	}
	db.log.Debug("Table created or already exists", zap.String("table", tableName))
	return nil
}
