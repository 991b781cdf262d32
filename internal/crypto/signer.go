package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/ctfledger/internal/domain"
)

// Request authentication headers.
const (
	HeaderAddress   = "X-Ledger-Address"
	HeaderTimestamp = "X-Ledger-Timestamp"
	HeaderSignature = "X-Ledger-Signature"
)

var (
	// ErrStaleRequest is returned when the signed timestamp is outside the
	// accepted clock skew.
	ErrStaleRequest = errors.New("crypto: request timestamp outside allowed skew")
	// ErrSignerMismatch is returned when the recovered signer differs from
	// the claimed address.
	ErrSignerMismatch = errors.New("crypto: signature does not match address")
)

// Signer signs ledger API requests with a secp256k1 key. The caller's
// ledger identity is the key's Ethereum address.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
	}, nil
}

// Address returns the Ethereum address derived from the signer's private key.
func (s *Signer) Address() common.Address {
	return s.address
}

// RequestDigest is keccak256(timestamp || method || path || body), with the
// timestamp in decimal unix seconds.
func RequestDigest(timestamp int64, method, path string, body []byte) []byte {
	return ethcrypto.Keccak256(
		[]byte(strconv.FormatInt(timestamp, 10)),
		[]byte(strings.ToUpper(method)),
		[]byte(path),
		body,
	)
}

// SignRequest signs the request digest as an Ethereum personal message and
// returns the 0x-prefixed 65-byte signature.
func (s *Signer) SignRequest(timestamp int64, method, path string, body []byte) (string, error) {
	return s.signDigest(accounts.TextHash(RequestDigest(timestamp, method, path, body)))
}

// Headers returns the authentication headers for a request sent at now.
func (s *Signer) Headers(method, path string, body []byte, now time.Time) (map[string]string, error) {
	ts := now.Unix()
	sig, err := s.SignRequest(ts, method, path, body)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		HeaderAddress:   s.address.Hex(),
		HeaderTimestamp: strconv.FormatInt(ts, 10),
		HeaderSignature: sig,
	}, nil
}

// signDigest signs a 32-byte digest and returns r || s || v with v in
// {27,28}.
func (s *Signer) signDigest(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// RecoverRequestSigner returns the address that produced sigHex over the
// request.
func RecoverRequestSigner(sigHex string, timestamp int64, method, path string, body []byte) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: signature is not hex", domain.ErrUnauthorized)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("%w: signature must be 65 bytes, got %d", domain.ErrUnauthorized, len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash(RequestDigest(timestamp, method, path, body)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: recover signer: %v", domain.ErrUnauthorized, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// ReplayKey identifies a signed request by its caller and signed digest
// rather than the signature bytes, so malleated copies of one signature
// share a key.
func ReplayKey(caller common.Address, timestamp int64, method, path string, body []byte) string {
	return ethcrypto.Keccak256Hash(caller.Bytes(), RequestDigest(timestamp, method, path, body)).Hex()
}

// VerifyRequest checks the three authentication header values against the
// request and returns the authenticated caller.
func VerifyRequest(address, timestamp, signature, method, path string, body []byte, now time.Time, maxSkew time.Duration) (common.Address, error) {
	if !common.IsHexAddress(address) {
		return common.Address{}, fmt.Errorf("%w: bad %s", domain.ErrUnauthorized, HeaderAddress)
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: bad %s", domain.ErrUnauthorized, HeaderTimestamp)
	}
	if skew := now.Sub(time.Unix(ts, 0)); skew > maxSkew || skew < -maxSkew {
		return common.Address{}, fmt.Errorf("%w: %w", domain.ErrUnauthorized, ErrStaleRequest)
	}
	signer, err := RecoverRequestSigner(signature, ts, method, path, body)
	if err != nil {
		return common.Address{}, err
	}
	if claimed := common.HexToAddress(address); claimed != signer {
		return common.Address{}, fmt.Errorf("%w: %w", domain.ErrUnauthorized, ErrSignerMismatch)
	}
	return signer, nil
}
