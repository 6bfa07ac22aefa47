package token

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yahya-m2000/hoy-core/internal/config"
	apperrors "github.com/yahya-m2000/hoy-core/internal/errors"
	"github.com/yahya-m2000/hoy-core/internal/events"
	"github.com/yahya-m2000/hoy-core/pkg/secmem"
)

func testTokenConfig() config.TokenConfig {
	return config.TokenConfig{
		EncryptionEnabled:    true,
		DeviceBindingEnabled: true,
		SafetyMarginMs:       0,
		GraceWindowMs:        50,
	}
}

func newTestStore(t *testing.T, ring keyring.Keyring, identity DeviceIdentity) *Store {
	t.Helper()
	master, err := secmem.NewMasterKey([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	store, err := NewStore(testTokenConfig(), ring, master, identity,
		events.NewBus(64), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func TestSaveLoadRoundtrip(t *testing.T) {
	ring := keyring.NewArrayKeyring(nil)
	store := newTestStore(t, ring, StaticIdentity{"device-1", "install-9"})
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, TypeAccess, "my-access-token"))

	got, err := store.Load(ctx, TypeAccess)
	require.NoError(t, err)
	assert.Equal(t, "my-access-token", got)

	// The keyring never sees the plaintext.
	item, err := ring.Get("token:access")
	require.NoError(t, err)
	assert.NotContains(t, string(item.Data), "my-access-token")
}

func TestDeviceBindingMismatchFailsClosed(t *testing.T) {
	ring := keyring.NewArrayKeyring(nil)
	store := newTestStore(t, ring, StaticIdentity{"device-1"})
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, TypeAccess, "bound-token"))

	// Same keyring and master key, different device fingerprint.
	other := newTestStore(t, ring, StaticIdentity{"device-2"})
	got, err := other.Load(ctx, TypeAccess)

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrSecurityViolation)
	assert.Empty(t, got, "no plaintext may be returned on a binding mismatch")
}

func TestTamperedCiphertextFailsClosed(t *testing.T) {
	ring := keyring.NewArrayKeyring(nil)
	store := newTestStore(t, ring, StaticIdentity{"device-1"})
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, TypeAccess, "victim-token"))

	item, err := ring.Get("token:access")
	require.NoError(t, err)
	item.Data[len(item.Data)/2] ^= 0xff
	require.NoError(t, ring.Set(item))

	got, err := store.Load(ctx, TypeAccess)
	require.Error(t, err)
	assert.Empty(t, got)
}

func TestDowngradedEncryptionFlagFailsClosed(t *testing.T) {
	ring := keyring.NewArrayKeyring(nil)
	store := newTestStore(t, ring, StaticIdentity{"device-1"})
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, TypeAccess, "downgrade-target"))

	// Rewrite the record claiming the ciphertext is plaintext. The MAC must
	// cover the flag, or Load would hand back raw ciphertext as the token.
	item, err := ring.Get("token:access")
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(item.Data, &rec))
	require.Equal(t, true, rec["encrypted"])
	rec["encrypted"] = false
	item.Data, err = json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, ring.Set(item))

	got, err := store.Load(ctx, TypeAccess)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrSecurityViolation)
	assert.Empty(t, got, "no bytes may be returned from a downgraded record")
}

func TestMissingDeviceIdentityIsConstructionError(t *testing.T) {
	master, err := secmem.NewMasterKey([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	_, err = NewStore(testTokenConfig(), keyring.NewArrayKeyring(nil), master, nil,
		events.NewBus(8), slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}

func TestRotateBumpsGenerationAndKeepsToken(t *testing.T) {
	ring := keyring.NewArrayKeyring(nil)
	store := newTestStore(t, ring, StaticIdentity{"device-1"})
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, TypeAccess, "rotating-token"))

	result := store.Rotate(ctx, TypeAccess)
	require.True(t, result.Success, "rotation failed: %s", result.Error)
	assert.Equal(t, 2, result.NewGeneration)

	got, err := store.Load(ctx, TypeAccess)
	require.NoError(t, err)
	assert.Equal(t, "rotating-token", got)

	result = store.Rotate(ctx, TypeAccess)
	require.True(t, result.Success)
	assert.Equal(t, 3, result.NewGeneration)
	assert.Equal(t, 2, store.Stats().RotationCount)
}

func TestRotationGraceWindowPurgesPreviousGeneration(t *testing.T) {
	ring := keyring.NewArrayKeyring(nil)
	store := newTestStore(t, ring, StaticIdentity{"device-1"})
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, TypeAccess, "tok"))
	require.True(t, store.Rotate(ctx, TypeAccess).Success)

	_, err := ring.Get("token:prev:access")
	require.NoError(t, err, "previous generation must exist inside the grace window")

	require.Eventually(t, func() bool {
		_, err := ring.Get("token:prev:access")
		return err != nil
	}, time.Second, 10*time.Millisecond, "previous generation must be purged after the grace window")
}

func TestRotateWithoutRecordFails(t *testing.T) {
	store := newTestStore(t, keyring.NewArrayKeyring(nil), StaticIdentity{"device-1"})

	result := store.Rotate(context.Background(), TypeAccess)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
}

func TestMigrationIsIdempotent(t *testing.T) {
	ring := keyring.NewArrayKeyring(nil)
	require.NoError(t, ring.Set(keyring.Item{Key: "access", Data: []byte("legacy-plaintext-token")}))

	store := newTestStore(t, ring, StaticIdentity{"device-1"})
	ctx := context.Background()

	migrated, err := store.MigrateLegacy(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, migrated)
	assert.Equal(t, 1, store.Stats().MigrationCount)

	// Legacy record is gone, secure record readable.
	_, err = ring.Get("access")
	assert.Error(t, err)
	got, err := store.Load(ctx, TypeAccess)
	require.NoError(t, err)
	assert.Equal(t, "legacy-plaintext-token", got)

	// Second run changes nothing.
	migrated, err = store.MigrateLegacy(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, migrated)
	assert.Equal(t, 1, store.Stats().MigrationCount)
}

func TestDeleteAndClear(t *testing.T) {
	ring := keyring.NewArrayKeyring(nil)
	store := newTestStore(t, ring, StaticIdentity{"device-1"})
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, TypeAccess, "a"))
	require.NoError(t, store.Save(ctx, TypeRefresh, "r"))
	require.NoError(t, store.Clear(ctx))

	_, err := store.Load(ctx, TypeAccess)
	assert.Error(t, err)
	_, err = store.Load(ctx, TypeRefresh)
	assert.Error(t, err)
	assert.Equal(t, 0, store.Stats().Records)
}

func TestOnChangeFiresForRotationAndDeletion(t *testing.T) {
	store := newTestStore(t, keyring.NewArrayKeyring(nil), StaticIdentity{"device-1"})
	ctx := context.Background()

	var changed []Type
	store.OnChange(func(typ Type) { changed = append(changed, typ) })

	require.NoError(t, store.Save(ctx, TypeAccess, "tok"))
	require.True(t, store.Rotate(ctx, TypeAccess).Success)
	require.NoError(t, store.Delete(ctx, TypeAccess))

	assert.Equal(t, []Type{TypeAccess, TypeAccess}, changed)
}

func TestAuditRingIsCapped(t *testing.T) {
	store := newTestStore(t, keyring.NewArrayKeyring(nil), StaticIdentity{"device-1"})
	ctx := context.Background()

	for i := 0; i < auditRingCap+10; i++ {
		require.NoError(t, store.Save(ctx, TypeAccess, "tok"))
	}
	entries := store.AuditEntries()
	assert.Len(t, entries, auditRingCap)
	assert.Equal(t, "save", entries[0].Operation)
}

func TestSecurityAuditScoring(t *testing.T) {
	ring := keyring.NewArrayKeyring(nil)
	store := newTestStore(t, ring, StaticIdentity{"device-1"})
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, TypeAccess, "tok"))

	// Binding + encryption + integrity + migration pass; no rotation yet.
	report := store.SecurityAudit(ctx)
	assert.Equal(t, 80, report.Score)
	assert.False(t, report.Rotated)
	assert.Len(t, report.Recommendations, 1)

	require.True(t, store.Rotate(ctx, TypeAccess).Success)
	report = store.SecurityAudit(ctx)
	assert.Equal(t, 100, report.Score)
	assert.Empty(t, report.Recommendations)
}
