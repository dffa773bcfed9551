//go:build integration

package credentials_test

import (
	"context"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayworks/go-relay-service/internal/platform/credentials"
	"github.com/relayworks/go-relay-service/pkg/relay"
)

const testCollection = "push-credentials-test"

// setupSuite connects to the Firestore emulator named by
// FIRESTORE_EMULATOR_HOST. The test is skipped when no emulator is running.
func setupSuite(t *testing.T) (context.Context, *credentials.FirestoreDirectory) {
	t.Helper()

	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set; skipping firestore integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	client, err := firestore.NewClient(ctx, "test-project-credentials")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	directory, err := credentials.NewFirestoreDirectory(client, testCollection, zerolog.Nop())
	require.NoError(t, err)
	return ctx, directory
}

func TestFirestoreDirectory_RegisterAndLookup(t *testing.T) {
	ctx, directory := setupSuite(t)

	require.NoError(t, directory.Register(ctx, "alice", "device-1", "tok-1"))

	cred, err := directory.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "device-1", cred.DeviceID)
	assert.Equal(t, "tok-1", cred.Token)
	assert.WithinDuration(t, time.Now().UTC(), cred.UpdatedAt, time.Minute)
}

func TestFirestoreDirectory_LookupUnknownIdentity(t *testing.T) {
	ctx, directory := setupSuite(t)

	_, err := directory.Lookup(ctx, "nobody")
	assert.ErrorIs(t, err, relay.ErrNoCredential)
}

func TestFirestoreDirectory_RegisterReplacesWholesale(t *testing.T) {
	ctx, directory := setupSuite(t)

	require.NoError(t, directory.Register(ctx, "carol", "device-1", "tok-1"))
	require.NoError(t, directory.Register(ctx, "carol", "device-2", "tok-2"))

	cred, err := directory.Lookup(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, "device-2", cred.DeviceID)
	assert.Equal(t, "tok-2", cred.Token)
}

func TestNewFirestoreDirectory_Validation(t *testing.T) {
	_, err := credentials.NewFirestoreDirectory(nil, testCollection, zerolog.Nop())
	assert.Error(t, err)
}
