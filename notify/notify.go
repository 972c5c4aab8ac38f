package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/deemkeen/tusker/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Publisher fans a committed notification out to whoever is listening.
// Publishing is best effort; the notification row is already stored.
type Publisher interface {
	Publish(ctx context.Context, n domain.Notification) error
}

// Event is the payload written to the notification channel.
type Event struct {
	Id          string    `json:"id"`
	Type        string    `json:"type"`
	ActorId     string    `json:"actor_id"`
	FromActorId string    `json:"from_actor_id"`
	ObjectId    string    `json:"object_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func NewEvent(n domain.Notification) Event {
	ev := Event{
		Id:          n.Id.String(),
		Type:        string(n.Type),
		ActorId:     n.ActorId,
		FromActorId: n.FromActorId,
		CreatedAt:   n.CreatedAt,
	}
	if n.ObjectId != nil {
		ev.ObjectId = n.ObjectId.String()
	}
	return ev
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, domain.Notification) error {
	return nil
}

// RedisPublisher publishes notification events on a redis pub/sub channel.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
	log     *zap.Logger
}

func NewRedis(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisPublisher(rdb *redis.Client, channel string, log *zap.Logger) *RedisPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisPublisher{rdb: rdb, channel: channel, log: log}
}

func (p *RedisPublisher) Publish(ctx context.Context, n domain.Notification) error {
	jsonstr, err := json.Marshal(NewEvent(n))
	if err != nil {
		return err
	}

	err = p.rdb.Publish(ctx, p.channel, jsonstr).Err()
	if err != nil {
		p.log.Warn("Failed to publish notification", zap.String("channel", p.channel), zap.Error(err))
		return err
	}
	return nil
}
