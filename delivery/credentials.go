// Package delivery issues and validates the credentials confirming physical
// handoff: a one-time QR token presented by the courier side and a separate
// 6-digit verification code released to the receiver only after the scan.
// The two-channel split stops either party from unilaterally claiming a
// handoff that never happened.
package delivery

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrInvalidCredential signals a bad QR token or verification code.
	ErrInvalidCredential = errors.New("delivery: invalid credential")
	// ErrPackagingEvidenceMissing blocks credential issuance until the
	// packaging photo is attached.
	ErrPackagingEvidenceMissing = errors.New("delivery: packaging photo required")
	// ErrReceiverEvidenceMissing blocks delivery confirmation until the
	// post-handoff photo is attached.
	ErrReceiverEvidenceMissing = errors.New("delivery: receiver photo required")
)

// tokenPrefix versions the credential format.
const tokenPrefix = "vsqr1"

// Credentials is the pair minted at issuance. The code is never embedded in
// the QR payload.
type Credentials struct {
	QRToken          string
	VerificationCode string
}

// Mint produces a fresh credential pair for one swap: an opaque token
// embedding the swap id and a ULID issuance nonce plus random padding, and a
// uniformly random 6-digit code.
func Mint(swapID string) (Credentials, error) {
	var pad [8]byte
	if _, err := rand.Read(pad[:]); err != nil {
		return Credentials{}, fmt.Errorf("delivery: token entropy: %w", err)
	}
	nonce := ulid.Make()

	code, err := randomCode()
	if err != nil {
		return Credentials{}, err
	}

	return Credentials{
		QRToken:          strings.Join([]string{tokenPrefix, swapID, nonce.String(), hex.EncodeToString(pad[:])}, "."),
		VerificationCode: code,
	}, nil
}

func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("delivery: code entropy: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// SwapIDFromToken extracts the swap id embedded in a token, validating the
// format without touching storage.
func SwapIDFromToken(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 4 || parts[0] != tokenPrefix || parts[1] == "" {
		return "", ErrInvalidCredential
	}
	if _, err := ulid.Parse(parts[2]); err != nil {
		return "", ErrInvalidCredential
	}
	if _, err := hex.DecodeString(parts[3]); err != nil {
		return "", ErrInvalidCredential
	}
	return parts[1], nil
}

// CodeMatches compares a submitted code against the stored one in constant
// time.
func CodeMatches(stored, submitted string) bool {
	if len(stored) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(submitted)) == 1
}
