// Package credentials contains the Firestore-backed credential directory.
package credentials

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/relayworks/go-relay-service/pkg/relay"
)

// credentialDoc is the document shape stored in Firestore, one per identity.
// Register overwrites the whole document; no history is kept.
type credentialDoc struct {
	DeviceID  string    `firestore:"device_id"`
	Token     string    `firestore:"token"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

// FirestoreDirectory implements relay.CredentialDirectory with one document
// per identity, keyed by the identity's exact string form.
type FirestoreDirectory struct {
	client     *firestore.Client
	collection string
	logger     zerolog.Logger
}

// NewFirestoreDirectory is the constructor for the FirestoreDirectory.
func NewFirestoreDirectory(client *firestore.Client, collection string, logger zerolog.Logger) (*FirestoreDirectory, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if collection == "" {
		return nil, fmt.Errorf("collection name cannot be empty")
	}
	return &FirestoreDirectory{
		client:     client,
		collection: collection,
		logger:     logger.With().Str("component", "FirestoreDirectory").Logger(),
	}, nil
}

// Lookup returns the identity's current credential, or relay.ErrNoCredential
// when no record exists.
func (d *FirestoreDirectory) Lookup(ctx context.Context, identity relay.Identity) (*relay.Credential, error) {
	snap, err := d.client.Collection(d.collection).Doc(identity.String()).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, relay.ErrNoCredential
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential document: %w", err)
	}

	var doc credentialDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential document: %w", err)
	}

	return &relay.Credential{
		DeviceID:  doc.DeviceID,
		Token:     doc.Token,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

// Register writes the identity's credential, replacing any previous record
// wholesale. The latest write wins.
func (d *FirestoreDirectory) Register(ctx context.Context, identity relay.Identity, deviceID, token string) error {
	doc := credentialDoc{
		DeviceID:  deviceID,
		Token:     token,
		UpdatedAt: time.Now().UTC(),
	}
	if _, err := d.client.Collection(d.collection).Doc(identity.String()).Set(ctx, doc); err != nil {
		return fmt.Errorf("failed to write credential document: %w", err)
	}
	d.logger.Debug().Str("identity", identity.String()).Str("device_id", deviceID).Msg("Credential registered")
	return nil
}
