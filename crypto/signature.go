package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// PaymentConfirmedTag binds a release proof to the payment confirmation step.
const PaymentConfirmedTag = "PAYMENT_CONFIRMED"

var (
	ErrInvalidAddress   = errors.New("crypto: invalid address")
	ErrInvalidSignature = errors.New("crypto: malformed signature")
)

// Verifier checks that signature over message was produced by expectedSigner.
type Verifier interface {
	Verify(message, signature []byte, expectedSigner string) (bool, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(message, signature []byte, expectedSigner string) (bool, error)

// Verify implements Verifier.
func (f VerifierFunc) Verify(message, signature []byte, expectedSigner string) (bool, error) {
	return f(message, signature, expectedSigner)
}

// PersonalSignVerifier recovers secp256k1 signers from EIP-191 personal_sign
// digests, the format produced by browser wallets.
type PersonalSignVerifier struct{}

// NewPersonalSignVerifier returns the default wallet signature verifier.
func NewPersonalSignVerifier() PersonalSignVerifier { return PersonalSignVerifier{} }

// Verify implements Verifier. A structurally invalid signature is reported as
// an error; a valid signature from another key returns false.
func (PersonalSignVerifier) Verify(message, signature []byte, expectedSigner string) (bool, error) {
	expected, err := NormalizeAddress(expectedSigner)
	if err != nil {
		return false, err
	}
	signer, err := RecoverSigner(message, signature)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(signer, expected), nil
}

// RecoverSigner returns the checksummed address that produced signature over
// the EIP-191 digest of message.
func RecoverSigner(message, signature []byte) (string, error) {
	if len(signature) != ethcrypto.SignatureLength {
		return "", fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSignature, ethcrypto.SignatureLength, len(signature))
	}
	sig := make([]byte, len(signature))
	copy(sig, signature)
	if sig[ethcrypto.RecoveryIDOffset] >= 27 {
		sig[ethcrypto.RecoveryIDOffset] -= 27
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash(message), sig)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub).Hex(), nil
}

// SignPersonal produces a 65-byte signature with a 27/28 recovery id over the
// EIP-191 digest of message.
func SignPersonal(key *ecdsa.PrivateKey, message []byte) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("crypto: signing key required")
	}
	sig, err := ethcrypto.Sign(accounts.TextHash(message), key)
	if err != nil {
		return nil, fmt.Errorf("crypto: sign: %w", err)
	}
	sig[ethcrypto.RecoveryIDOffset] += 27
	return sig, nil
}

// DecodeSignature parses a hex signature with or without 0x prefix.
func DecodeSignature(raw string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidSignature)
	}
	sig, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return sig, nil
}

// NormalizeAddress validates a 0x-prefixed hex wallet address and returns its
// checksummed form.
func NormalizeAddress(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "0x") && !strings.HasPrefix(trimmed, "0X") {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	if !common.IsHexAddress(trimmed) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	return common.HexToAddress(trimmed).Hex(), nil
}

// AddressOf returns the checksummed address controlled by key.
func AddressOf(key *ecdsa.PrivateKey) string {
	return ethcrypto.PubkeyToAddress(key.PublicKey).Hex()
}

// ReleaseMessage is the payload a buyer signs to confirm payment.
func ReleaseMessage(tradeID string, timestamp int64) []byte {
	return []byte(tradeID + ":" + PaymentConfirmedTag + ":" + strconv.FormatInt(timestamp, 10))
}

// Keccak256 hashes the concatenation of parts.
func Keccak256(parts ...[]byte) common.Hash {
	return ethcrypto.Keccak256Hash(parts...)
}

// HashStrings hashes an ordered list so that reordering, insertion or removal
// changes the digest.
func HashStrings(values []string) common.Hash {
	parts := make([][]byte, 0, len(values)*2)
	for _, v := range values {
		parts = append(parts, ethcrypto.Keccak256([]byte(v)))
	}
	parts = append(parts, []byte(strconv.Itoa(len(values))))
	return ethcrypto.Keccak256Hash(parts...)
}
