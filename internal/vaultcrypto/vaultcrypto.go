// Package vaultcrypto implements the Crypto Manager: per-vault AES-256-GCM
// envelope encryption with versioned keys, and the key-rotation campaigns
// that re-envelope a vault's files in fixed-size ranges.
//
// Key material for each version in use is loaded once through a KeySource
// and cached for the manager's lifetime.
package vaultcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	ErrBadKey            = errors.New("vaultcrypto: bad key")
	ErrBadIV              = errors.New("vaultcrypto: bad iv")
	ErrAuthFailed         = errors.New("vaultcrypto: authentication failed")
	ErrUnknownKeyVersion  = errors.New("vaultcrypto: unknown key version")
)

const (
	ivSize  = 12 // 96-bit GCM nonce
	tagSize = 16
)

// KeySource supplies key material for a vault's key versions. The daemon's
// config/metadata layer is expected to provide the concrete implementation;
// vaultcrypto only consumes it.
type KeySource interface {
	// KeyForVersion returns the 32-byte AES-256 key for the given version.
	KeyForVersion(vaultID uint32, version uint32) ([]byte, error)
	// CurrentVersion returns the version new encryptions should use.
	CurrentVersion(vaultID uint32) (uint32, error)
}

// Manager is the per-vault Crypto Manager. Key material for each version in
// use is loaded once and cached for the manager's lifetime.
type Manager struct {
	vaultID uint32
	keys    KeySource

	cache map[uint32]cipher.AEAD
}

// NewManager constructs the Crypto Manager for one vault.
func NewManager(vaultID uint32, keys KeySource) *Manager {
	return &Manager{
		vaultID: vaultID,
		keys:    keys,
		cache:   make(map[uint32]cipher.AEAD),
	}
}

func (m *Manager) gcmForVersion(version uint32) (cipher.AEAD, error) {
	if gcm, ok := m.cache[version]; ok {
		return gcm, nil
	}
	key, err := m.keys.KeyForVersion(m.vaultID, version)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownKeyVersion, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: expected 32 bytes, got %d", ErrBadKey, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	m.cache[version] = gcm
	return gcm, nil
}

// Encrypt produces (ciphertext, iv_b64, key_version). Ciphertext layout is
// CIPHERTEXT||TAG; the IV travels alongside, not concatenated. Callers
// needing the on-disk `IV || CIPHERTEXT || TAG` layout should use
// EncryptEnvelope.
func (m *Manager) Encrypt(plaintext []byte) (ciphertext []byte, ivB64 string, keyVersion uint32, err error) {
	version, err := m.keys.CurrentVersion(m.vaultID)
	if err != nil {
		return nil, "", 0, fmt.Errorf("%w: %v", ErrUnknownKeyVersion, err)
	}
	gcm, err := m.gcmForVersion(version)
	if err != nil {
		return nil, "", 0, err
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, "", 0, fmt.Errorf("vaultcrypto: generate iv: %w", err)
	}
	ct := gcm.Seal(nil, iv, plaintext, nil)
	return ct, base64.StdEncoding.EncodeToString(iv), version, nil
}

// EncryptEnvelope is Encrypt but returns the on-disk envelope
// `IV || CIPHERTEXT || TAG` as a single blob, for components that persist
// ciphertext to the backing store (the Storage Engine).
func (m *Manager) EncryptEnvelope(plaintext []byte) (envelope []byte, keyVersion uint32, err error) {
	ct, ivB64, version, err := m.Encrypt(plaintext)
	if err != nil {
		return nil, 0, err
	}
	iv, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrBadIV, err)
	}
	return append(iv, ct...), version, nil
}

// Decrypt reverses Encrypt given the ciphertext, base64 IV, and key version
// it was produced with.
func (m *Manager) Decrypt(ciphertext []byte, ivB64 string, keyVersion uint32) ([]byte, error) {
	iv, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadIV, err)
	}
	if len(iv) != ivSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrBadIV, ivSize, len(iv))
	}
	gcm, err := m.gcmForVersion(keyVersion)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < tagSize {
		return nil, fmt.Errorf("%w: ciphertext shorter than tag", ErrAuthFailed)
	}
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	return plaintext, nil
}

// DecryptEnvelope reverses EncryptEnvelope, splitting IV from the on-disk
// blob itself.
func (m *Manager) DecryptEnvelope(envelope []byte, keyVersion uint32) ([]byte, error) {
	if len(envelope) < ivSize+tagSize {
		return nil, fmt.Errorf("%w: envelope too short", ErrAuthFailed)
	}
	iv := envelope[:ivSize]
	ct := envelope[ivSize:]
	gcm, err := m.gcmForVersion(keyVersion)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, iv, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	return plaintext, nil
}

// RotatableFile is the subset of an FSEntry the rotation campaign needs to
// decide whether a file is already at the target version.
type RotatableFile interface {
	EncryptedKeyVersion() uint32
}

// RotateDecryptEncrypt atomically re-envelopes payload from its current key
// version to the vault's current version. It is idempotent: if file is
// already at the target version it returns the input unchanged and
// alreadyCurrent=true, so re-running a completed rotation range is a no-op.
func (m *Manager) RotateDecryptEncrypt(payload []byte, ivB64 string, file RotatableFile) (newCiphertext []byte, newIVB64 string, newVersion uint32, alreadyCurrent bool, err error) {
	target, err := m.keys.CurrentVersion(m.vaultID)
	if err != nil {
		return nil, "", 0, false, fmt.Errorf("%w: %v", ErrUnknownKeyVersion, err)
	}
	if file.EncryptedKeyVersion() == target {
		return payload, ivB64, target, true, nil
	}
	plaintext, err := m.Decrypt(payload, ivB64, file.EncryptedKeyVersion())
	if err != nil {
		return nil, "", 0, false, err
	}
	ct, newIV, newVer, err := m.Encrypt(plaintext)
	if err != nil {
		return nil, "", 0, false, err
	}
	return ct, newIV, newVer, false, nil
}

// RotationRange is one batch of a key-rotation campaign, covering files in
// [Begin, End) of some stable enumeration order. Each range is independent
// and idempotent; Engine.RotateKeys runs one caller-chosen range
// synchronously, and nothing here splits a campaign into ranges or
// dispatches them to the sync worker pool.
type RotationRange struct {
	Begin int
	End   int
}

// RotationResult aggregates one range task's outcome. A single file
// failure does not abort the range: it is recorded in Failed and the
// task continues, so the caller can aggregate per-range results.
type RotationResult struct {
	Range     RotationRange
	Succeeded int
	Failed    []RotationFailure
}

type RotationFailure struct {
	VaultRelPath string
	Err          error
}

// RotationFile is one file handed to a rotation range by the caller (the
// Storage Engine), carrying everything needed to re-envelope it.
type RotationFile struct {
	VaultRelPath string
	Ciphertext   []byte
	IVB64        string
	KeyVersion   uint32
}

// RotationApply is the per-file side effect a caller supplies: persist the
// re-enveloped ciphertext and update the entry's iv/key_version. Returning
// an error records the file as failed without aborting the range.
type RotationApply func(f RotationFile, newCiphertext []byte, newIVB64 string, newVersion uint32) error

// RunRotationRange re-envelopes every file in files (already narrowed to
// one range by the caller) and applies apply to each success. It never
// returns an error itself for per-file failures; those are collected in
// the result.
func (m *Manager) RunRotationRange(rng RotationRange, files []RotationFile, apply RotationApply) RotationResult {
	result := RotationResult{Range: rng}
	for _, f := range files {
		newCT, newIV, newVer, alreadyCurrent, err := m.RotateDecryptEncrypt(f.Ciphertext, f.IVB64, rotatableFileVersion(f.KeyVersion))
		if err != nil {
			result.Failed = append(result.Failed, RotationFailure{VaultRelPath: f.VaultRelPath, Err: err})
			continue
		}
		if alreadyCurrent {
			result.Succeeded++
			continue
		}
		if err := apply(f, newCT, newIV, newVer); err != nil {
			result.Failed = append(result.Failed, RotationFailure{VaultRelPath: f.VaultRelPath, Err: err})
			continue
		}
		result.Succeeded++
	}
	return result
}

type rotatableFileVersion uint32

func (v rotatableFileVersion) EncryptedKeyVersion() uint32 { return uint32(v) }

// SealSecret encrypts a small secret (an API key's secret access key) under
// a raw 32-byte key, returning base64 ciphertext and IV for at-rest storage.
// This is the daemon-wide bootstrap-key path, distinct from the per-vault
// versioned envelope a Manager owns.
func SealSecret(key []byte, plaintext string) (ciphertextB64, ivB64 string, err error) {
	if len(key) != 32 {
		return "", "", fmt.Errorf("%w: expected 32 bytes, got %d", ErrBadKey, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", "", fmt.Errorf("vaultcrypto: generate iv: %w", err)
	}
	ct := gcm.Seal(nil, iv, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ct), base64.StdEncoding.EncodeToString(iv), nil
}

// OpenSecret reverses SealSecret.
func OpenSecret(key []byte, ciphertextB64, ivB64 string) (string, error) {
	if len(key) != 32 {
		return "", fmt.Errorf("%w: expected 32 bytes, got %d", ErrBadKey, len(key))
	}
	ct, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	iv, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil || len(iv) != ivSize {
		return "", fmt.Errorf("%w: bad iv", ErrBadIV)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	plaintext, err := gcm.Open(nil, iv, ct, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	return string(plaintext), nil
}
