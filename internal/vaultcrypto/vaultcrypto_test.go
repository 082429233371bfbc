package vaultcrypto

import (
	"bytes"
	"testing"
)

type staticKeys struct {
	versions map[uint32][]byte
	current  uint32
}

func (s *staticKeys) KeyForVersion(vaultID uint32, version uint32) ([]byte, error) {
	k, ok := s.versions[version]
	if !ok {
		return nil, ErrUnknownKeyVersion
	}
	return k, nil
}

func (s *staticKeys) CurrentVersion(vaultID uint32) (uint32, error) {
	return s.current, nil
}

func key32(b byte) []byte {
	k := make([]byte, 32)
	for i := range k {
		k[i] = b
	}
	return k
}

func TestRoundTripCrypto(t *testing.T) {
	src := &staticKeys{versions: map[uint32][]byte{1: key32(0x01)}, current: 1}
	m := NewManager(7, src)

	plaintext := []byte("HelloWorld!")
	ct1, iv1, v1, err := m.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	ct2, iv2, _, err := m.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if iv1 == iv2 && bytes.Equal(ct1, ct2) {
		t.Error("expected non-deterministic encryption")
	}

	got1, err := m.Decrypt(ct1, iv1, v1)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got1, plaintext) {
		t.Errorf("expected %q, got %q", plaintext, got1)
	}
	got2, err := m.Decrypt(ct2, iv2, v1)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got2, plaintext) {
		t.Errorf("expected %q, got %q", plaintext, got2)
	}
}

func TestDecrypt_BadKeyVersion(t *testing.T) {
	src := &staticKeys{versions: map[uint32][]byte{1: key32(0x01)}, current: 1}
	m := NewManager(7, src)

	ct, iv, _, _ := m.Encrypt([]byte("data"))
	if _, err := m.Decrypt(ct, iv, 99); err == nil {
		t.Error("expected error for unknown key version")
	}
}

func TestDecrypt_TamperedCiphertext(t *testing.T) {
	src := &staticKeys{versions: map[uint32][]byte{1: key32(0x01)}, current: 1}
	m := NewManager(7, src)

	ct, iv, v, _ := m.Encrypt([]byte("data"))
	ct[0] ^= 0xFF
	if _, err := m.Decrypt(ct, iv, v); err == nil {
		t.Error("expected auth failure on tampered ciphertext")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	src := &staticKeys{versions: map[uint32][]byte{1: key32(0x01)}, current: 1}
	m := NewManager(7, src)

	plaintext := []byte("envelope contents")
	env, version, err := m.EncryptEnvelope(plaintext)
	if err != nil {
		t.Fatalf("EncryptEnvelope: %v", err)
	}
	if len(env) < ivSize+tagSize {
		t.Fatalf("envelope too short: %d", len(env))
	}
	got, err := m.DecryptEnvelope(env, version)
	if err != nil {
		t.Fatalf("DecryptEnvelope: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("expected %q, got %q", plaintext, got)
	}
}

func TestRotateDecryptEncrypt_Idempotent(t *testing.T) {
	src := &staticKeys{versions: map[uint32][]byte{1: key32(0x01), 2: key32(0x02)}, current: 2}
	m := NewManager(7, src)

	// File already at current version: rotation is a no-op.
	ct, iv, v, alreadyCurrent, err := m.RotateDecryptEncrypt([]byte("ciphertext"), "aXY=", rotatableFileVersion(2))
	_ = ct
	_ = iv
	_ = v
	if err == nil && !alreadyCurrent {
		// payload here is garbage, but since version matches target the
		// function must short-circuit before touching it.
	}
	if !alreadyCurrent {
		t.Fatalf("expected alreadyCurrent for matching version, err=%v", err)
	}
}

func TestRotateDecryptEncrypt_Rotates(t *testing.T) {
	src := &staticKeys{versions: map[uint32][]byte{1: key32(0x01), 2: key32(0x02)}, current: 1}
	m := NewManager(7, src)

	plaintext := []byte("rotate me")
	ct, iv, _, err := m.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	src.current = 2
	newCT, newIV, newVer, alreadyCurrent, err := m.RotateDecryptEncrypt(ct, iv, rotatableFileVersion(1))
	if err != nil {
		t.Fatalf("RotateDecryptEncrypt: %v", err)
	}
	if alreadyCurrent {
		t.Fatal("expected rotation to occur, not a no-op")
	}
	if newVer != 2 {
		t.Errorf("expected version 2, got %d", newVer)
	}
	got, err := m.Decrypt(newCT, newIV, newVer)
	if err != nil {
		t.Fatalf("Decrypt rotated: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("expected %q, got %q", plaintext, got)
	}
}

func TestRunRotationRange_PartialFailureDoesNotAbort(t *testing.T) {
	src := &staticKeys{versions: map[uint32][]byte{1: key32(0x01), 2: key32(0x02)}, current: 1}
	m := NewManager(7, src)

	goodCT, goodIV, _, _ := m.Encrypt([]byte("good"))
	files := []RotationFile{
		{VaultRelPath: "a.txt", Ciphertext: goodCT, IVB64: goodIV, KeyVersion: 1},
		{VaultRelPath: "b.txt", Ciphertext: []byte("not valid ciphertext"), IVB64: goodIV, KeyVersion: 1},
	}

	src.current = 2
	applied := 0
	result := m.RunRotationRange(RotationRange{Begin: 0, End: 2}, files, func(f RotationFile, newCT []byte, newIV string, newVer uint32) error {
		applied++
		return nil
	})

	if result.Succeeded != 1 {
		t.Errorf("expected 1 success, got %d", result.Succeeded)
	}
	if len(result.Failed) != 1 {
		t.Errorf("expected 1 failure, got %d", len(result.Failed))
	}
	if applied != 1 {
		t.Errorf("expected apply called once, got %d", applied)
	}
}

func TestSealOpenSecret(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i * 3)
	}

	ct, iv, err := SealSecret(key, "super-secret-access-key")
	if err != nil {
		t.Fatalf("SealSecret: %v", err)
	}
	if ct == "" || iv == "" {
		t.Fatal("expected non-empty ciphertext and iv")
	}

	got, err := OpenSecret(key, ct, iv)
	if err != nil {
		t.Fatalf("OpenSecret: %v", err)
	}
	if got != "super-secret-access-key" {
		t.Errorf("round trip: got %q", got)
	}

	wrongKey := make([]byte, 32)
	if _, err := OpenSecret(wrongKey, ct, iv); err == nil {
		t.Error("expected auth failure under the wrong key")
	}

	if _, _, err := SealSecret(key[:16], "x"); err == nil {
		t.Error("expected error for short key")
	}
}
