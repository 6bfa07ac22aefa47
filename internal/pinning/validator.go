// Package pinning validates presented server certificates against
// per-domain public key pins.
package pinning

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/yahya-m2000/hoy-core/internal/config"
	apperrors "github.com/yahya-m2000/hoy-core/internal/errors"
	"github.com/yahya-m2000/hoy-core/internal/events"
)

const (
	MethodPinned   = "pinned"
	MethodUnpinned = "unpinned"
	MethodCached   = "cached"

	cacheSize = 128
)

// Result is the cached outcome of validating one domain.
type Result struct {
	Domain           string    `json:"domain"`
	IsValid          bool      `json:"is_valid"`
	ValidationMethod string    `json:"validation_method"`
	Warnings         []string  `json:"warnings,omitempty"`
	Error            string    `json:"error,omitempty"`
	ValidationTimeMs int64     `json:"validation_time_ms"`
	ValidatedAt      time.Time `json:"validated_at"`
}

// Stats is the aggregate snapshot for monitoring UIs.
type Stats struct {
	TotalDomains   int      `json:"total_domains"`
	CacheSize      int      `json:"cache_size"`
	FailingDomains []string `json:"failing_domains"`
	StrictMode     bool     `json:"strict_mode"`
}

// Validator checks presented certificate chains against configured
// SPKI-SHA256 pins. Results are cached per domain with a TTL; stale entries
// re-validate. In strict mode a mismatch is a security violation; in
// permissive mode it is recorded as a warning and the call proceeds.
type Validator struct {
	mu      sync.RWMutex
	pins    map[string][]string
	failing map[string]time.Time

	strict bool
	cache  *expirable.LRU[string, Result]

	bus    *events.Bus
	logger *slog.Logger
}

func NewValidator(cfg config.PinningConfig, bus *events.Bus, logger *slog.Logger) *Validator {
	pins := make(map[string][]string, len(cfg.Pins))
	for domain, set := range cfg.Pins {
		pins[domain] = append([]string(nil), set...)
	}
	return &Validator{
		pins:    pins,
		failing: make(map[string]time.Time),
		strict:  cfg.StrictMode,
		cache:   expirable.NewLRU[string, Result](cacheSize, nil, cfg.CacheTTL()),
		bus:     bus,
		logger:  logger,
	}
}

// SetPins replaces the pin set for a domain.
func (v *Validator) SetPins(domain string, pins []string) {
	v.mu.Lock()
	v.pins[domain] = append([]string(nil), pins...)
	v.mu.Unlock()
	v.cache.Remove(domain)
}

// Validate checks the TLS connection state for domain. A fresh cached
// verdict is reused without re-validating the chain.
func (v *Validator) Validate(domain string, state *tls.ConnectionState) (Result, error) {
	if state == nil || len(state.PeerCertificates) == 0 {
		return v.fail(domain, MethodPinned, time.Now(), "no peer certificates presented")
	}
	return v.ValidateCertificates(domain, state.PeerCertificates)
}

// ValidateCertificates checks a presented chain against the domain's pins.
func (v *Validator) ValidateCertificates(domain string, certs []*x509.Certificate) (Result, error) {
	if cached, ok := v.cache.Get(domain); ok {
		cached.ValidationMethod = MethodCached
		if !cached.IsValid && v.strict {
			return cached, fmt.Errorf("%w: certificate pin mismatch for %s", apperrors.ErrSecurityViolation, domain)
		}
		return cached, nil
	}

	start := time.Now()

	v.mu.RLock()
	pins, pinned := v.pins[domain]
	v.mu.RUnlock()

	if !pinned || len(pins) == 0 {
		result := Result{
			Domain:           domain,
			IsValid:          true,
			ValidationMethod: MethodUnpinned,
			Warnings:         []string{"no pins configured for domain"},
			ValidationTimeMs: time.Since(start).Milliseconds(),
			ValidatedAt:      time.Now(),
		}
		v.cache.Add(domain, result)
		return result, nil
	}

	for _, cert := range certs {
		pin := SPKIPin(cert)
		for _, expected := range pins {
			if pin == expected {
				result := Result{
					Domain:           domain,
					IsValid:          true,
					ValidationMethod: MethodPinned,
					ValidationTimeMs: time.Since(start).Milliseconds(),
					ValidatedAt:      time.Now(),
				}
				v.cache.Add(domain, result)
				v.clearFailure(domain)
				return result, nil
			}
		}
	}

	return v.fail(domain, MethodPinned, start, "presented chain matches no configured pin")
}

// VerifyPeerCertificate returns an adapter for tls.Config so the validator
// sits directly on the handshake path.
func (v *Validator) VerifyPeerCertificate(domain string) func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("failed to parse peer certificate: %w", err)
			}
			certs = append(certs, cert)
		}
		_, err := v.ValidateCertificates(domain, certs)
		return err
	}
}

// Approved is the pipeline's cheap pre-dispatch check: a cached failing
// verdict in strict mode rejects the host before any bytes are sent. An
// unknown or stale domain passes here and is validated on the handshake.
func (v *Validator) Approved(domain string) error {
	cached, ok := v.cache.Get(domain)
	if ok && !cached.IsValid && v.strict {
		return fmt.Errorf("%w: certificate pin mismatch for %s", apperrors.ErrSecurityViolation, domain)
	}
	return nil
}

// ClearCache drops all cached verdicts, forcing re-validation.
func (v *Validator) ClearCache() {
	v.cache.Purge()
	v.mu.Lock()
	v.failing = make(map[string]time.Time)
	v.mu.Unlock()
}

// Stats returns the aggregate pinning snapshot.
func (v *Validator) Stats() Stats {
	v.mu.RLock()
	defer v.mu.RUnlock()

	failing := make([]string, 0, len(v.failing))
	for domain := range v.failing {
		failing = append(failing, domain)
	}
	sort.Strings(failing)

	return Stats{
		TotalDomains:   len(v.pins),
		CacheSize:      v.cache.Len(),
		FailingDomains: failing,
		StrictMode:     v.strict,
	}
}

// SPKIPin computes the base64 SHA-256 of the certificate's SubjectPublicKeyInfo,
// the value configured as a pin.
func SPKIPin(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func (v *Validator) fail(domain, method string, start time.Time, reason string) (Result, error) {
	result := Result{
		Domain:           domain,
		IsValid:          false,
		ValidationMethod: method,
		ValidationTimeMs: time.Since(start).Milliseconds(),
		ValidatedAt:      time.Now(),
	}

	v.mu.Lock()
	v.failing[domain] = time.Now()
	v.mu.Unlock()

	v.bus.Publish(events.PinRejected, events.PinFailure{Domain: domain, Reason: reason})

	if v.strict {
		result.Error = reason
		v.cache.Add(domain, result)
		v.logger.Error("certificate pin rejected", "domain", domain, "reason", reason)
		return result, fmt.Errorf("%w: certificate pin mismatch for %s", apperrors.ErrSecurityViolation, domain)
	}

	result.Warnings = append(result.Warnings, reason)
	v.cache.Add(domain, result)
	v.logger.Warn("certificate pin mismatch tolerated in permissive mode", "domain", domain, "reason", reason)
	return result, nil
}

func (v *Validator) clearFailure(domain string) {
	v.mu.Lock()
	delete(v.failing, domain)
	v.mu.Unlock()
}
