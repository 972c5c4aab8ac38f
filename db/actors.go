package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/deemkeen/tusker/domain"
)

// Actor queries
const (
	sqlActorColumns = `id, type, username, domain, properties, public_key_pem, private_key_pem, inbox_uri, outbox_uri, shared_inbox_uri, manually_approves_followers, origin, created_at, last_fetched_at`

	sqlInsertActor = `INSERT INTO actors(` + sqlActorColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	// Identity and origin never change; the profile does.
	sqlUpsertRemoteActor = `INSERT INTO actors(` + sqlActorColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'remote', ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			properties = excluded.properties,
			public_key_pem = excluded.public_key_pem,
			inbox_uri = excluded.inbox_uri,
			outbox_uri = excluded.outbox_uri,
			shared_inbox_uri = excluded.shared_inbox_uri,
			manually_approves_followers = excluded.manually_approves_followers,
			last_fetched_at = excluded.last_fetched_at
		WHERE actors.origin = 'remote'`
	sqlUpdateActorProfile = `UPDATE actors SET properties = ?, manually_approves_followers = ? WHERE id = ?`
	sqlSelectActorById    = `SELECT ` + sqlActorColumns + ` FROM actors WHERE id = ?`
	sqlSelectActorByAcct  = `SELECT ` + sqlActorColumns + ` FROM actors WHERE username = ? AND domain = ?`
	sqlSelectLocalActorByUsername = `SELECT ` + sqlActorColumns + ` FROM actors WHERE username = ? AND origin = 'local'`
	sqlSelectLocalActors  = `SELECT ` + sqlActorColumns + ` FROM actors WHERE origin = 'local' ORDER BY created_at ASC`
	sqlDeleteActor        = `DELETE FROM actors WHERE id = ? AND origin = 'remote'`
)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanActor(row rowScanner) (*domain.Actor, error) {
	var acc domain.Actor
	var props, origin string
	var manual int
	var createdAt, fetchedAt int64
	err := row.Scan(
		&acc.Id,
		&acc.Type,
		&acc.Username,
		&acc.Domain,
		&props,
		&acc.PublicKeyPem,
		&acc.PrivateKeyPem,
		&acc.InboxURI,
		&acc.OutboxURI,
		&acc.SharedInboxURI,
		&manual,
		&origin,
		&createdAt,
		&fetchedAt,
	)
	if err != nil {
		return nil, err
	}
	acc.Properties, err = domain.UnmarshalProperties(props)
	if err != nil {
		return nil, fmt.Errorf("actor %s properties: %w", acc.Id, err)
	}
	acc.ManuallyApprovesFollowers = manual == 1
	acc.Origin = domain.Origin(origin)
	acc.CreatedAt = fromMicros(createdAt)
	acc.LastFetchedAt = fromMicros(fetchedAt)
	return &acc, nil
}

func (q *Queries) readActor(ctx context.Context, resource string, query string, args ...interface{}) (*domain.Actor, error) {
	acc, err := scanActor(q.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundError{Resource: resource}
	}
	return acc, err
}

// CreateActor inserts a new actor with an explicit origin.
func (q *Queries) CreateActor(ctx context.Context, acc *domain.Actor) error {
	props, err := acc.Properties.Marshal()
	if err != nil {
		return err
	}
	if acc.Origin != domain.OriginLocal && acc.Origin != domain.OriginRemote {
		return domain.NewValidationError("actor %s has no origin", acc.Id)
	}
	_, err = q.q.ExecContext(ctx, sqlInsertActor,
		acc.Id,
		acc.Type,
		acc.Username,
		acc.Domain,
		props,
		acc.PublicKeyPem,
		acc.PrivateKeyPem,
		acc.InboxURI,
		acc.OutboxURI,
		acc.SharedInboxURI,
		boolToInt(acc.ManuallyApprovesFollowers),
		string(acc.Origin),
		toMicros(acc.CreatedAt),
		toMicros(acc.LastFetchedAt),
	)
	if isConstraintViolation(err) {
		return &domain.ConflictError{Reason: fmt.Sprintf("actor %s already exists", acc.Acct())}
	}
	return err
}

// UpsertRemoteActor stores a fetched remote actor, refreshing its profile when already known.
// Local actors are never overwritten.
func (q *Queries) UpsertRemoteActor(ctx context.Context, acc *domain.Actor) error {
	props, err := acc.Properties.Marshal()
	if err != nil {
		return err
	}
	_, err = q.q.ExecContext(ctx, sqlUpsertRemoteActor,
		acc.Id,
		acc.Type,
		acc.Username,
		acc.Domain,
		props,
		acc.PublicKeyPem,
		"",
		acc.InboxURI,
		acc.OutboxURI,
		acc.SharedInboxURI,
		boolToInt(acc.ManuallyApprovesFollowers),
		toMicros(acc.CreatedAt),
		toMicros(acc.LastFetchedAt),
	)
	return err
}

func (q *Queries) UpdateActorProfile(ctx context.Context, id string, props domain.Properties, manuallyApproves bool) error {
	raw, err := props.Marshal()
	if err != nil {
		return err
	}
	_, err = q.q.ExecContext(ctx, sqlUpdateActorProfile, raw, boolToInt(manuallyApproves), id)
	return err
}

func (q *Queries) ReadActorById(ctx context.Context, id string) (*domain.Actor, error) {
	return q.readActor(ctx, "actor "+id, sqlSelectActorById, id)
}

func (q *Queries) ReadActorByAcct(ctx context.Context, username, domainName string) (*domain.Actor, error) {
	return q.readActor(ctx, "actor "+username+"@"+domainName, sqlSelectActorByAcct, username, domainName)
}

func (q *Queries) ReadLocalActorByUsername(ctx context.Context, username string) (*domain.Actor, error) {
	return q.readActor(ctx, "local actor "+username, sqlSelectLocalActorByUsername, username)
}

func (q *Queries) ReadLocalActors(ctx context.Context) ([]domain.Actor, error) {
	rows, err := q.q.QueryContext(ctx, sqlSelectLocalActors)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actors []domain.Actor
	for rows.Next() {
		acc, err := scanActor(rows)
		if err != nil {
			return actors, err
		}
		actors = append(actors, *acc)
	}
	return actors, rows.Err()
}

// DeleteRemoteActor removes a remote actor and, through cascading keys, its relations.
func (q *Queries) DeleteRemoteActor(ctx context.Context, id string) error {
	_, err := q.q.ExecContext(ctx, sqlDeleteActor, id)
	return err
}
