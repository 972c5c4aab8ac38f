package activitypub

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/deemkeen/tusker/domain"
	"github.com/deemkeen/tusker/util"
)

func signedInboxRequest(t *testing.T, signer *domain.Actor, body []byte) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, testBaseURL+"/inbox", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	key, err := ParsePrivateKey(signer.PrivateKeyPem)
	if err != nil {
		t.Fatalf("ParsePrivateKey failed: %v", err)
	}
	if err := SignRequest(req, key, signer.Id+"#main-key", body); err != nil {
		t.Fatalf("SignRequest failed: %v", err)
	}
	return req
}

func remoteDocumentWithKey(username, publicKey string) string {
	id := remoteActorID(username)
	return fmt.Sprintf(`{"id": %q, "type": "Person", "preferredUsername": %q, "inbox": %q,
		"publicKey": {"id": %q, "owner": %q, "publicKeyPem": %q}}`,
		id, username, id+"/inbox", id+"#main-key", id, publicKey)
}

func TestSignatureVerifierLocalSigner(t *testing.T) {
	database := setupTestDB(t)
	alice, err := CreateLocalActor(context.Background(), database, testBaseURL, "alice", "", false)
	if err != nil {
		t.Fatalf("CreateLocalActor failed: %v", err)
	}
	body := []byte(`{"type":"Like"}`)
	fetcher := newFakeFetcher()
	v := NewSignatureVerifier(NewActorResolver(database, fetcher, nil), nil)

	signer, err := v.Verify(context.Background(), signedInboxRequest(t, alice, body), body)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if signer != alice.Id {
		t.Errorf("Expected signer %s, got %s", alice.Id, signer)
	}
	if len(fetcher.calls) != 0 {
		t.Errorf("Local signers must not be fetched, got %v", fetcher.calls)
	}
}

func TestSignatureVerifierTamperedBody(t *testing.T) {
	database := setupTestDB(t)
	alice, err := CreateLocalActor(context.Background(), database, testBaseURL, "alice", "", false)
	if err != nil {
		t.Fatalf("CreateLocalActor failed: %v", err)
	}
	v := NewSignatureVerifier(NewActorResolver(database, newFakeFetcher(), nil), nil)

	req := signedInboxRequest(t, alice, []byte(`{"type":"Like"}`))
	_, err = v.Verify(context.Background(), req, []byte(`{"type":"Delete"}`))
	if !domain.IsAuthorization(err) {
		t.Errorf("Expected AuthorizationError, got %v", err)
	}
}

func TestSignatureVerifierUnsigned(t *testing.T) {
	database := setupTestDB(t)
	v := NewSignatureVerifier(NewActorResolver(database, newFakeFetcher(), nil), nil)
	req, _ := http.NewRequest(http.MethodPost, testBaseURL+"/inbox", nil)
	if _, err := v.Verify(context.Background(), req, nil); !domain.IsAuthorization(err) {
		t.Errorf("Expected AuthorizationError, got %v", err)
	}
}

func TestSignatureVerifierRefetchesRotatedKey(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	oldKeys, err := util.GeneratePemKeypair()
	if err != nil {
		t.Fatalf("GeneratePemKeypair failed: %v", err)
	}
	newKeys, err := util.GeneratePemKeypair()
	if err != nil {
		t.Fatalf("GeneratePemKeypair failed: %v", err)
	}

	bob := createRemoteActor(t, database, "bob")
	bob.PublicKeyPem = oldKeys.Public
	bob.LastFetchedAt = time.Now()
	if err := database.UpsertRemoteActor(ctx, bob); err != nil {
		t.Fatalf("UpsertRemoteActor failed: %v", err)
	}

	fetcher := newFakeFetcher()
	fetcher.docs[bob.Id] = remoteDocumentWithKey("bob", newKeys.Public)
	v := NewSignatureVerifier(NewActorResolver(database, fetcher, nil), nil)

	body := []byte(`{"type":"Like"}`)
	signing := *bob
	signing.PrivateKeyPem = newKeys.Private
	signer, err := v.Verify(ctx, signedInboxRequest(t, &signing, body), body)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if signer != bob.Id {
		t.Errorf("Expected signer %s, got %s", bob.Id, signer)
	}
	if fetcher.fetched(bob.Id) != 1 {
		t.Errorf("Expected one refetch, got %d", fetcher.fetched(bob.Id))
	}
	stored, err := database.ReadActorById(ctx, bob.Id)
	if err != nil {
		t.Fatalf("ReadActorById failed: %v", err)
	}
	if stored.PublicKeyPem != newKeys.Public {
		t.Error("Expected the rotated key to be stored")
	}
}

func TestSignatureVerifierUnknownSigner(t *testing.T) {
	database := setupTestDB(t)
	keys, err := util.GeneratePemKeypair()
	if err != nil {
		t.Fatalf("GeneratePemKeypair failed: %v", err)
	}
	ghost := &domain.Actor{Id: remoteActorID("ghost"), PrivateKeyPem: keys.Private}
	v := NewSignatureVerifier(NewActorResolver(database, newFakeFetcher(), nil), nil)

	body := []byte(`{}`)
	if _, err := v.Verify(context.Background(), signedInboxRequest(t, ghost, body), body); !domain.IsAuthorization(err) {
		t.Errorf("Expected AuthorizationError, got %v", err)
	}
}
