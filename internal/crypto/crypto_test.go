package crypto

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ctfledger/internal/domain"
)

// Well-known development key (hardhat account #0).
const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestSigner_Address(t *testing.T) {
	s, err := NewSigner("0x" + testKey)
	require.NoError(t, err)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", s.Address().Hex())

	_, err = NewSigner("zz")
	require.Error(t, err)
}

func TestSignRequest_Recover(t *testing.T) {
	s, err := NewSigner(testKey)
	require.NoError(t, err)
	body := []byte(`{"amount":"10"}`)

	sig, err := s.SignRequest(1700000000, "post", "/api/positions/split", body)
	require.NoError(t, err)

	got, err := RecoverRequestSigner(sig, 1700000000, "POST", "/api/positions/split", body)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), got, "method is case-insensitive")

	other, err := RecoverRequestSigner(sig, 1700000000, "POST", "/api/positions/split", []byte(`{"amount":"11"}`))
	require.NoError(t, err)
	assert.NotEqual(t, s.Address(), other)

	_, err = RecoverRequestSigner("0x1234", 1, "GET", "/", nil)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestVerifyRequest(t *testing.T) {
	s, err := NewSigner(testKey)
	require.NoError(t, err)
	now := time.Unix(1700000000, 0)
	body := []byte(`{}`)
	h, err := s.Headers("POST", "/api/approvals", body, now)
	require.NoError(t, err)

	caller, err := VerifyRequest(h[HeaderAddress], h[HeaderTimestamp], h[HeaderSignature], "POST", "/api/approvals", body, now.Add(10*time.Second), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), caller)

	_, err = VerifyRequest(h[HeaderAddress], h[HeaderTimestamp], h[HeaderSignature], "POST", "/api/approvals", body, now.Add(2*time.Minute), time.Minute)
	require.ErrorIs(t, err, ErrStaleRequest)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = VerifyRequest("0x000000000000000000000000000000000000dEaD", h[HeaderTimestamp], h[HeaderSignature], "POST", "/api/approvals", body, now, time.Minute)
	require.ErrorIs(t, err, ErrSignerMismatch)

	_, err = VerifyRequest(h[HeaderAddress], "yesterday", h[HeaderSignature], "POST", "/api/approvals", body, now, time.Minute)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = VerifyRequest(h[HeaderAddress], strconv.FormatInt(now.Unix(), 10), h[HeaderSignature], "POST", "/api/other", body, now, time.Minute)
	require.ErrorIs(t, err, ErrSignerMismatch)
}

func TestReplayKey(t *testing.T) {
	s, err := NewSigner(testKey)
	require.NoError(t, err)
	other, err := NewSigner("59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d")
	require.NoError(t, err)
	body := []byte(`{"amount":"1"}`)

	k := ReplayKey(s.Address(), 1700000000, "POST", "/api/transfers", body)
	assert.Equal(t, k, ReplayKey(s.Address(), 1700000000, "post", "/api/transfers", body))
	assert.NotEqual(t, k, ReplayKey(s.Address(), 1700000001, "POST", "/api/transfers", body))
	assert.NotEqual(t, k, ReplayKey(s.Address(), 1700000000, "POST", "/api/transfers", []byte(`{"amount":"2"}`)))
	assert.NotEqual(t, k, ReplayKey(other.Address(), 1700000000, "POST", "/api/transfers", body))
}

func TestEncryptDecryptKey(t *testing.T) {
	blob, err := EncryptKey("0x"+testKey, "hunter2")
	require.NoError(t, err)

	got, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testKey, got)

	_, err = DecryptKey(blob, "wrong")
	require.Error(t, err)

	_, err = EncryptKey(testKey, "")
	require.Error(t, err)
	_, err = EncryptKey("abcd", "pw")
	require.Error(t, err)
}

func TestLoadSigner(t *testing.T) {
	s, err := LoadSigner(KeyConfig{RawPrivateKey: "0x" + testKey})
	require.NoError(t, err)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", s.Address().Hex())

	blob, err := EncryptKey(testKey, "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	s2, err := LoadSigner(KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"})
	require.NoError(t, err)
	assert.Equal(t, s.Address(), s2.Address())

	_, err = LoadSigner(KeyConfig{})
	require.ErrorIs(t, err, ErrNoKey)
}

func TestGenerateKey(t *testing.T) {
	k, err := GenerateKey()
	require.NoError(t, err)
	assert.Len(t, k, 64)
	_, err = NewSigner(k)
	require.NoError(t, err)
}
