package domain

import (
	"time"

	"github.com/google/uuid"
)

// FollowState is the lifecycle state of a follow relation.
type FollowState string

const (
	FollowPending  FollowState = "pending"
	FollowAccepted FollowState = "accepted"
	FollowRejected FollowState = "rejected"
)

// Follow represents a follow relationship. There is at most one per (ActorId, TargetActorId).
type Follow struct {
	Id            uuid.UUID
	ActorId       string // the follower
	TargetActorId string // the followed actor
	URI           string // ActivityPub Follow activity URI
	State         FollowState
	CreatedAt     time.Time
}

// FollowDirection selects which side of the relation a listing is about.
type FollowDirection int

const (
	Following FollowDirection = iota
	Followers
)

// ReactionKind is the kind of reaction an actor leaves on an object.
type ReactionKind string

const (
	ReactionLike   ReactionKind = "like"
	ReactionReblog ReactionKind = "reblog"
)

// Reaction is a like or reblog, unique per (Kind, ActorId, ObjectId).
type Reaction struct {
	Id        uuid.UUID
	Kind      ReactionKind
	ActorId   string
	ObjectId  uuid.UUID
	URI       string // ActivityPub Like/Announce activity URI
	CreatedAt time.Time
}

// Reply links a reply object to the object it answers.
type Reply struct {
	ObjectId          uuid.UUID
	InReplyToObjectId uuid.UUID
	ActorId           string
	CreatedAt         time.Time
}

// NotificationType names the event a notification reports.
type NotificationType string

const (
	NotificationFollow        NotificationType = "follow"
	NotificationFollowRequest NotificationType = "follow_request"
	NotificationFavourite     NotificationType = "favourite"
	NotificationReblog        NotificationType = "reblog"
	NotificationMention       NotificationType = "mention"
	NotificationReply         NotificationType = "reply"
)

// Notification is append-only.
type Notification struct {
	Id          uuid.UUID
	Type        NotificationType
	ActorId     string // recipient
	FromActorId string
	ObjectId    *uuid.UUID
	CreatedAt   time.Time
}

// Activity represents an ActivityPub activity (for logging/deduplication)
type Activity struct {
	Id           uuid.UUID
	ActivityURI  string
	ActivityType string // Follow, Create, Like, Announce, Undo, etc.
	ActorURI     string
	ObjectURI    string
	RawJSON      string
	Processed    bool
	CreatedAt    time.Time
	Local        bool // true if originated from this server
}

// DeliveryQueueItem represents an item in the delivery queue
type DeliveryQueueItem struct {
	Id           uuid.UUID
	SenderId     string // local actor whose key signs the delivery
	InboxURI     string
	ActivityJSON string // The complete activity to deliver
	Attempts     int
	NextRetryAt  time.Time
	CreatedAt    time.Time
}
