package token

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/99designs/keyring"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/yahya-m2000/hoy-core/internal/config"
	apperrors "github.com/yahya-m2000/hoy-core/internal/errors"
	"github.com/yahya-m2000/hoy-core/internal/events"
	"github.com/yahya-m2000/hoy-core/pkg/secmem"
)

const (
	recordPrefix   = "token:"
	previousPrefix = "token:prev:"
	recordVersion  = 2
	auditRingCap   = 50
	keyLength      = 32
)

// record is the persisted form of a stored token. Ciphertext is the
// nonce-prefixed AES-GCM sealing of the token (or the raw token bytes when
// encryption is disabled by configuration).
type record struct {
	Version           int       `json:"version"`
	TokenType         Type      `json:"token_type"`
	Ciphertext        []byte    `json:"ciphertext"`
	Encrypted         bool      `json:"encrypted"`
	DeviceBindingHash string    `json:"device_binding_hash"`
	Generation        int       `json:"generation"`
	MAC               []byte    `json:"mac"`
	CreatedAt         time.Time `json:"created_at"`
}

// RotationResult reports the outcome of Rotate.
type RotationResult struct {
	Success       bool   `json:"success"`
	NewGeneration int    `json:"new_generation,omitempty"`
	Error         string `json:"error,omitempty"`
}

// AuditEntry is one operation in the store's capped audit ring.
type AuditEntry struct {
	ID         string    `json:"id"`
	Operation  string    `json:"operation"`
	TokenType  Type      `json:"token_type"`
	Success    bool      `json:"success"`
	DurationMs int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
	Error      string    `json:"error,omitempty"`
}

// StorageStats is the introspection snapshot for monitoring UIs.
type StorageStats struct {
	Records              int  `json:"records"`
	RotationCount        int  `json:"rotation_count"`
	MigrationCount       int  `json:"migration_count"`
	AuditEntries         int  `json:"audit_entries"`
	EncryptionEnabled    bool `json:"encryption_enabled"`
	DeviceBindingEnabled bool `json:"device_binding_enabled"`
}

// SecurityAuditReport scores the store's posture 0-100 from five boolean
// checks and lists a recommendation for each failing one.
type SecurityAuditReport struct {
	Score           int      `json:"score"`
	DeviceBinding   bool     `json:"device_binding"`
	Encryption      bool     `json:"encryption"`
	Integrity       bool     `json:"integrity"`
	Rotated         bool     `json:"rotated"`
	Migrated        bool     `json:"migrated"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// Store persists tokens in encrypted, device-bound form in the platform
// keyring. Every read fails closed: a binding or integrity mismatch returns
// a security violation and no plaintext.
type Store struct {
	mu sync.Mutex

	cfg      config.TokenConfig
	ring     keyring.Keyring
	master   *secmem.MasterKey
	identity DeviceIdentity
	binding  []byte

	rotationCount  int
	migrationCount int
	audit          []AuditEntry

	graceTimers map[Type]*time.Timer
	onChange    func(Type)

	bus    *events.Bus
	logger *slog.Logger
}

// NewStore builds a Store. With device binding enabled the identity must be
// present and resolvable at construction time.
func NewStore(cfg config.TokenConfig, ring keyring.Keyring, master *secmem.MasterKey, identity DeviceIdentity, bus *events.Bus, logger *slog.Logger) (*Store, error) {
	if cfg.DeviceBindingEnabled && identity == nil {
		return nil, fmt.Errorf("device binding enabled but no device identity available")
	}
	if !cfg.DeviceBindingEnabled {
		identity = nil
	}
	binding, err := bindingHash(identity)
	if err != nil {
		return nil, err
	}
	return &Store{
		cfg:         cfg,
		ring:        ring,
		master:      master,
		identity:    identity,
		binding:     binding,
		graceTimers: make(map[Type]*time.Timer),
		bus:         bus,
		logger:      logger,
	}, nil
}

// OnChange registers a callback invoked whenever a token type's stored value
// is rotated, deleted or cleared. The pipeline uses it to invalidate the
// offline cache.
func (s *Store) OnChange(fn func(Type)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Save encrypts and persists token under its type, starting at generation 1
// or preserving the current generation on overwrite.
func (s *Store) Save(ctx context.Context, typ Type, token string) error {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	generation := 1
	if existing, err := s.readRecord(recordPrefix + string(typ)); err == nil {
		generation = existing.Generation
	}

	err := s.writeRecord(typ, token, generation)
	s.record("save", typ, start, err)
	return err
}

// Load decrypts and returns the stored token, verifying device binding and
// integrity first. During a rotation grace window the previous generation is
// readable if the current record is gone or unreadable as a plain miss.
func (s *Store) Load(ctx context.Context, typ Type) (string, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.readRecord(recordPrefix + string(typ))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		if prev, prevErr := s.readRecord(previousPrefix + string(typ)); prevErr == nil {
			s.logger.WarnContext(ctx, "serving previous token generation inside grace window", "token_type", typ)
			rec = prev
			err = nil
		}
	}
	if err != nil {
		s.record("load", typ, start, err)
		return "", err
	}

	token, err := s.open(rec)
	s.record("load", typ, start, err)
	return token, err
}

// Delete removes the stored record for one token type.
func (s *Store) Delete(ctx context.Context, typ Type) error {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.ring.Remove(recordPrefix + string(typ))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		err = nil
	}
	_ = s.ring.Remove(previousPrefix + string(typ))
	s.stopGraceTimerLocked(typ)
	s.record("delete", typ, start, err)
	s.notifyLocked(typ)
	return err
}

// Clear removes every stored record. Called on logout.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.Delete(ctx, TypeAccess); err != nil {
		return err
	}
	return s.Delete(ctx, TypeRefresh)
}

// Rotate re-encrypts the stored token under a fresh nonce and the next
// generation. The previous generation stays readable for the configured
// grace window, then is discarded by a cancellable timer.
func (s *Store) Rotate(ctx context.Context, typ Type) RotationResult {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.readRecord(recordPrefix + string(typ))
	if err != nil {
		s.record("rotate", typ, start, err)
		return RotationResult{Error: err.Error()}
	}
	token, err := s.open(current)
	if err != nil {
		s.record("rotate", typ, start, err)
		return RotationResult{Error: err.Error()}
	}

	newGeneration := current.Generation + 1
	if err := s.writeRecord(typ, token, newGeneration); err != nil {
		s.record("rotate", typ, start, err)
		return RotationResult{Error: err.Error()}
	}

	// Keep the superseded record only inside the grace window.
	prevData, _ := json.Marshal(current)
	if err := s.ring.Set(keyring.Item{Key: previousPrefix + string(typ), Data: prevData}); err != nil {
		s.logger.WarnContext(ctx, "failed to retain previous generation", "token_type", typ, "error", err)
	} else {
		s.scheduleGracePurgeLocked(typ)
	}

	s.rotationCount++
	s.record("rotate", typ, start, nil)
	s.notifyLocked(typ)
	s.bus.Publish(events.TokenRotated, events.TokenEvent{TokenType: string(typ), Generation: newGeneration})
	s.logger.InfoContext(ctx, "token rotated", "token_type", typ, "generation", newGeneration)
	return RotationResult{Success: true, NewGeneration: newGeneration}
}

// MigrateLegacy re-encrypts any legacy plaintext records into the secure
// format. The original is deleted only after the secure record is confirmed
// written. Running it again is a no-op.
func (s *Store) MigrateLegacy(ctx context.Context) (int, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	migrated := 0
	for _, typ := range []Type{TypeAccess, TypeRefresh} {
		item, err := s.ring.Get(string(typ))
		if errors.Is(err, keyring.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			s.record("migrate", typ, start, err)
			return migrated, fmt.Errorf("failed to read legacy record: %w", err)
		}

		if err := s.writeRecord(typ, string(item.Data), 1); err != nil {
			s.record("migrate", typ, start, err)
			return migrated, fmt.Errorf("failed to write secure record: %w", err)
		}
		// Confirm the secure record before touching the original.
		if _, err := s.readRecord(recordPrefix + string(typ)); err != nil {
			s.record("migrate", typ, start, err)
			return migrated, fmt.Errorf("secure record not readable after migration: %w", err)
		}
		if err := s.ring.Remove(string(typ)); err != nil {
			s.record("migrate", typ, start, err)
			return migrated, fmt.Errorf("failed to remove legacy record: %w", err)
		}

		s.migrationCount++
		migrated++
		s.record("migrate", typ, start, nil)
		s.bus.Publish(events.TokenMigrated, events.TokenEvent{TokenType: string(typ), Generation: 1})
		s.logger.InfoContext(ctx, "legacy token migrated", "token_type", typ)
	}
	return migrated, nil
}

// AuditEntries returns a copy of the audit ring, oldest first.
func (s *Store) AuditEntries() []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditEntry, len(s.audit))
	copy(out, s.audit)
	return out
}

// Stats returns the storage snapshot for monitoring UIs.
func (s *Store) Stats() StorageStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := 0
	for _, typ := range []Type{TypeAccess, TypeRefresh} {
		if _, err := s.readRecord(recordPrefix + string(typ)); err == nil {
			records++
		}
	}
	return StorageStats{
		Records:              records,
		RotationCount:        s.rotationCount,
		MigrationCount:       s.migrationCount,
		AuditEntries:         len(s.audit),
		EncryptionEnabled:    s.cfg.EncryptionEnabled,
		DeviceBindingEnabled: s.cfg.DeviceBindingEnabled,
	}
}

// SecurityAudit combines the store's posture checks into a 0-100 score.
func (s *Store) SecurityAudit(ctx context.Context) SecurityAuditReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := SecurityAuditReport{
		DeviceBinding: s.cfg.DeviceBindingEnabled,
		Encryption:    s.cfg.EncryptionEnabled,
		Integrity:     true,
		Rotated:       s.rotationCount > 0,
		Migrated:      true,
	}

	for _, typ := range []Type{TypeAccess, TypeRefresh} {
		if rec, err := s.readRecord(recordPrefix + string(typ)); err == nil {
			if _, err := s.open(rec); err != nil {
				report.Integrity = false
			}
			if rec.Generation > 1 {
				report.Rotated = true
			}
		}
		if _, err := s.ring.Get(string(typ)); err == nil {
			report.Migrated = false
		}
	}

	if !report.DeviceBinding {
		report.Recommendations = append(report.Recommendations, "enable device binding so stored tokens cannot be decrypted on another device")
	}
	if !report.Encryption {
		report.Recommendations = append(report.Recommendations, "enable encryption at rest for stored tokens")
	}
	if !report.Integrity {
		report.Recommendations = append(report.Recommendations, "stored records failed integrity verification; clear and re-authenticate")
	}
	if !report.Rotated {
		report.Recommendations = append(report.Recommendations, "rotate stored tokens at least once to exercise the rotation path")
	}
	if !report.Migrated {
		report.Recommendations = append(report.Recommendations, "legacy plaintext records remain; run startup migration")
	}

	for _, ok := range []bool{report.DeviceBinding, report.Encryption, report.Integrity, report.Rotated, report.Migrated} {
		if ok {
			report.Score += 20
		}
	}
	return report
}

// Close cancels any pending grace-window purge timers.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for typ := range s.graceTimers {
		s.stopGraceTimerLocked(typ)
	}
}

// --- internals; all require s.mu held ---

func (s *Store) writeRecord(typ Type, token string, generation int) error {
	rec := record{
		Version:           recordVersion,
		TokenType:         typ,
		Encrypted:         s.cfg.EncryptionEnabled,
		DeviceBindingHash: hex.EncodeToString(s.binding),
		Generation:        generation,
		CreatedAt:         time.Now(),
	}

	if s.cfg.EncryptionEnabled {
		ciphertext, err := s.seal(typ, []byte(token))
		if err != nil {
			return err
		}
		rec.Ciphertext = ciphertext
	} else {
		rec.Ciphertext = []byte(token)
	}

	mac, err := s.mac(&rec)
	if err != nil {
		return err
	}
	rec.MAC = mac

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := s.ring.Set(keyring.Item{Key: recordPrefix + string(typ), Data: data}); err != nil {
		return fmt.Errorf("failed to persist record: %w", err)
	}
	return nil
}

func (s *Store) readRecord(key string) (*record, error) {
	item, err := s.ring.Get(key)
	if err != nil {
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(item.Data, &rec); err != nil || rec.Version == 0 {
		return nil, fmt.Errorf("unreadable token record %q", key)
	}
	return &rec, nil
}

// open verifies binding and integrity before returning plaintext. Any
// mismatch fails closed as a security violation.
func (s *Store) open(rec *record) (string, error) {
	stored, err := hex.DecodeString(rec.DeviceBindingHash)
	if err != nil || !secmem.Equal(stored, s.binding) {
		s.violation("device binding mismatch", rec.TokenType)
		return "", fmt.Errorf("%w: device binding mismatch", apperrors.ErrSecurityViolation)
	}

	expected, err := s.mac(rec)
	if err != nil {
		return "", err
	}
	if !hmac.Equal(expected, rec.MAC) {
		s.violation("integrity MAC mismatch", rec.TokenType)
		return "", fmt.Errorf("%w: integrity verification failed", apperrors.ErrSecurityViolation)
	}

	if !rec.Encrypted {
		return string(rec.Ciphertext), nil
	}
	plaintext, err := s.unseal(rec.TokenType, rec.Ciphertext)
	if err != nil {
		s.violation("decryption failed", rec.TokenType)
		return "", fmt.Errorf("%w: decryption failed", apperrors.ErrSecurityViolation)
	}
	token := string(plaintext)
	secmem.Zero(plaintext)
	return token, nil
}

func (s *Store) seal(typ Type, plaintext []byte) ([]byte, error) {
	gcm, err := s.aead(typ)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Store) unseal(typ Type, ciphertext []byte) ([]byte, error) {
	gcm, err := s.aead(typ)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, sealed, nil)
}

func (s *Store) aead(typ Type) (cipher.AEAD, error) {
	key, err := s.deriveKey("hoy-core/token/" + string(typ))
	if err != nil {
		return nil, err
	}
	defer secmem.Zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// mac computes the integrity MAC over every field that decides how the
// ciphertext is interpreted, so flipping any of them invalidates the record.
// The MAC key is derived separately from the encryption key.
func (s *Store) mac(rec *record) ([]byte, error) {
	key, err := s.deriveKey("hoy-core/mac/" + string(rec.TokenType))
	if err != nil {
		return nil, err
	}
	defer secmem.Zero(key)

	encrypted := byte(0)
	if rec.Encrypted {
		encrypted = 1
	}

	h := hmac.New(sha256.New, key)
	h.Write([]byte{byte(rec.Version), encrypted})
	h.Write([]byte(rec.TokenType))
	gen := make([]byte, 8)
	binary.BigEndian.PutUint64(gen, uint64(rec.Generation))
	h.Write(gen)
	h.Write([]byte(rec.DeviceBindingHash))
	h.Write(rec.Ciphertext)
	return h.Sum(nil), nil
}

// deriveKey expands the master key with HKDF-SHA256, using the device
// binding hash as context so derived keys differ across devices.
func (s *Store) deriveKey(salt string) ([]byte, error) {
	master, release, err := s.master.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open master key: %w", err)
	}
	defer release()

	key := make([]byte, keyLength)
	kdf := hkdf.New(sha256.New, master, []byte(salt), s.binding)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

func (s *Store) scheduleGracePurgeLocked(typ Type) {
	s.stopGraceTimerLocked(typ)
	s.graceTimers[typ] = time.AfterFunc(s.cfg.GraceWindow(), func() {
		_ = s.ring.Remove(previousPrefix + string(typ))
		s.mu.Lock()
		delete(s.graceTimers, typ)
		s.mu.Unlock()
	})
}

func (s *Store) stopGraceTimerLocked(typ Type) {
	if timer, ok := s.graceTimers[typ]; ok {
		timer.Stop()
		delete(s.graceTimers, typ)
	}
}

func (s *Store) notifyLocked(typ Type) {
	if s.onChange != nil {
		s.onChange(typ)
	}
}

func (s *Store) record(operation string, typ Type, start time.Time, err error) {
	entry := AuditEntry{
		ID:         uuid.NewString(),
		Operation:  operation,
		TokenType:  typ,
		Success:    err == nil,
		DurationMs: time.Since(start).Milliseconds(),
		Timestamp:  time.Now(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if len(s.audit) >= auditRingCap {
		s.audit = append(s.audit[1:], entry)
	} else {
		s.audit = append(s.audit, entry)
	}
}

func (s *Store) violation(detail string, typ Type) {
	s.bus.Publish(events.SecurityViolation, events.Violation{Source: "token_store", Detail: detail})
	s.logger.Error("token store security violation", "detail", detail, "token_type", typ)
}
