package pinning

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yahya-m2000/hoy-core/internal/config"
	apperrors "github.com/yahya-m2000/hoy-core/internal/errors"
	"github.com/yahya-m2000/hoy-core/internal/events"
)

func selfSignedCert(t *testing.T, cn string) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func newValidator(t *testing.T, strict bool, pins map[string][]string) (*Validator, *events.Bus) {
	t.Helper()
	bus := events.NewBus(64)
	v := NewValidator(config.PinningConfig{
		StrictMode: strict,
		CacheTTLMs: 60000,
		Pins:       pins,
	}, bus, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return v, bus
}

func TestMatchingPinValidates(t *testing.T) {
	cert := selfSignedCert(t, "api.hoy.app")
	v, _ := newValidator(t, true, map[string][]string{"api.hoy.app": {SPKIPin(cert)}})

	result, err := v.ValidateCertificates("api.hoy.app", []*x509.Certificate{cert})
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Equal(t, MethodPinned, result.ValidationMethod)
	assert.Empty(t, result.Warnings)
}

func TestStrictMismatchIsSecurityViolation(t *testing.T) {
	pinned := selfSignedCert(t, "api.hoy.app")
	presented := selfSignedCert(t, "api.hoy.app")
	v, bus := newValidator(t, true, map[string][]string{"api.hoy.app": {SPKIPin(pinned)}})
	ch, cancel := bus.Subscribe()
	defer cancel()

	result, err := v.ValidateCertificates("api.hoy.app", []*x509.Certificate{presented})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrSecurityViolation)
	assert.False(t, result.IsValid)

	select {
	case evt := <-ch:
		assert.Equal(t, events.PinRejected, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("expected a pin rejection event")
	}
}

func TestPermissiveMismatchProceedsWithWarning(t *testing.T) {
	pinned := selfSignedCert(t, "api.hoy.app")
	presented := selfSignedCert(t, "api.hoy.app")
	v, _ := newValidator(t, false, map[string][]string{"api.hoy.app": {SPKIPin(pinned)}})

	result, err := v.ValidateCertificates("api.hoy.app", []*x509.Certificate{presented})
	require.NoError(t, err, "permissive mode must not abort the call")
	assert.False(t, result.IsValid)
	assert.NotEmpty(t, result.Warnings)
}

func TestUnpinnedDomainPassesWithWarning(t *testing.T) {
	cert := selfSignedCert(t, "cdn.example.com")
	v, _ := newValidator(t, true, nil)

	result, err := v.ValidateCertificates("cdn.example.com", []*x509.Certificate{cert})
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Equal(t, MethodUnpinned, result.ValidationMethod)
	assert.NotEmpty(t, result.Warnings)
}

func TestCachedVerdictIsReused(t *testing.T) {
	cert := selfSignedCert(t, "api.hoy.app")
	v, _ := newValidator(t, true, map[string][]string{"api.hoy.app": {SPKIPin(cert)}})

	_, err := v.ValidateCertificates("api.hoy.app", []*x509.Certificate{cert})
	require.NoError(t, err)

	// Second call is served from cache even with a different chain.
	other := selfSignedCert(t, "api.hoy.app")
	result, err := v.ValidateCertificates("api.hoy.app", []*x509.Certificate{other})
	require.NoError(t, err)
	assert.Equal(t, MethodCached, result.ValidationMethod)

	// Clearing the cache forces re-validation, which now fails.
	v.ClearCache()
	_, err = v.ValidateCertificates("api.hoy.app", []*x509.Certificate{other})
	assert.ErrorIs(t, err, apperrors.ErrSecurityViolation)
}

func TestCachedFailureStillFailsInStrictMode(t *testing.T) {
	pinned := selfSignedCert(t, "api.hoy.app")
	presented := selfSignedCert(t, "api.hoy.app")
	v, _ := newValidator(t, true, map[string][]string{"api.hoy.app": {SPKIPin(pinned)}})

	_, err := v.ValidateCertificates("api.hoy.app", []*x509.Certificate{presented})
	require.Error(t, err)

	_, err = v.ValidateCertificates("api.hoy.app", []*x509.Certificate{presented})
	assert.ErrorIs(t, err, apperrors.ErrSecurityViolation, "cached failures must not be trusted as passes")
}

func TestStatsTrackFailingDomains(t *testing.T) {
	pinned := selfSignedCert(t, "api.hoy.app")
	good := selfSignedCert(t, "img.hoy.app")
	bad := selfSignedCert(t, "api.hoy.app")
	v, _ := newValidator(t, true, map[string][]string{
		"api.hoy.app": {SPKIPin(pinned)},
		"img.hoy.app": {SPKIPin(good)},
	})

	_, _ = v.ValidateCertificates("api.hoy.app", []*x509.Certificate{bad})
	_, err := v.ValidateCertificates("img.hoy.app", []*x509.Certificate{good})
	require.NoError(t, err)

	s := v.Stats()
	assert.Equal(t, 2, s.TotalDomains)
	assert.Equal(t, 2, s.CacheSize)
	assert.Equal(t, []string{"api.hoy.app"}, s.FailingDomains)
}

func TestVerifyPeerCertificateAdapter(t *testing.T) {
	cert := selfSignedCert(t, "api.hoy.app")
	v, _ := newValidator(t, true, map[string][]string{"api.hoy.app": {SPKIPin(cert)}})

	verify := v.VerifyPeerCertificate("api.hoy.app")
	assert.NoError(t, verify([][]byte{cert.Raw}, nil))

	v.ClearCache()
	other := selfSignedCert(t, "api.hoy.app")
	verify = v.VerifyPeerCertificate("api.hoy.app")
	assert.ErrorIs(t, verify([][]byte{other.Raw}, nil), apperrors.ErrSecurityViolation)
}
