package activitypub

import (
	"context"
	"net/http"

	"github.com/deemkeen/tusker/domain"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// SignatureVerifier authenticates inbound inbox requests by their HTTP signature.
type SignatureVerifier struct {
	actors *ActorResolver
	log    *zap.Logger
}

func NewSignatureVerifier(actors *ActorResolver, log *zap.Logger) *SignatureVerifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &SignatureVerifier{actors: actors, log: log}
}

// Verify checks the signature of req against the key of the actor named in its keyId
// and returns that actor's id. A failed check refetches a remote actor once, since
// its key may have been rotated.
func (v *SignatureVerifier) Verify(ctx context.Context, req *http.Request, body []byte) (string, error) {
	ctx, span := tracer.Start(ctx, "ActivityPub.SignatureVerifier.Verify")
	defer span.End()

	keyID, err := SignatureKeyId(req)
	if err != nil {
		return "", &domain.AuthorizationError{Reason: err.Error()}
	}
	owner := KeyOwner(keyID)

	actor, err := v.actors.GetOrFetchActor(ctx, owner)
	if err != nil {
		span.RecordError(errors.Wrap(err, "SignatureVerifier.Verify: resolve signer failed"))
		return "", &domain.AuthorizationError{Reason: "unknown signer " + owner}
	}
	if actor.PublicKeyPem == "" {
		return "", &domain.AuthorizationError{Reason: "signer " + owner + " has no public key"}
	}

	signer, err := VerifyRequest(req, actor.PublicKeyPem, body)
	if err == nil {
		return signer, nil
	}
	if actor.IsLocal() {
		return "", &domain.AuthorizationError{Reason: err.Error()}
	}

	v.log.Debug("Signature check failed, refetching signer", zap.String("actor", owner), zap.Error(err))
	refreshed, ferr := v.actors.FetchRemoteActor(ctx, owner)
	if ferr != nil || refreshed.PublicKeyPem == actor.PublicKeyPem {
		span.RecordError(errors.Wrap(err, "SignatureVerifier.Verify: signature invalid"))
		return "", &domain.AuthorizationError{Reason: err.Error()}
	}
	signer, err = VerifyRequest(req, refreshed.PublicKeyPem, body)
	if err != nil {
		span.RecordError(errors.Wrap(err, "SignatureVerifier.Verify: signature invalid after refetch"))
		return "", &domain.AuthorizationError{Reason: err.Error()}
	}
	return signer, nil
}
