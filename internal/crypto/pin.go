package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/ahkfinance/devicelock/internal/errs"
)

// PINLen is the exact number of decimal digits in an unlock PIN.
const PINLen = 4

// ValidatePIN accepts exactly four ASCII decimal digits.
func ValidatePIN(pin string) error {
	if len(pin) != PINLen {
		return errs.Validationf("pin must be %d digits", PINLen)
	}
	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return errs.Validationf("pin must be %d digits", PINLen)
		}
	}
	return nil
}

// HashPIN returns the lowercase hex SHA-256 of pin.
func HashPIN(pin string) string {
	sum := sha256.Sum256([]byte(pin))
	return hex.EncodeToString(sum[:])
}

// VerifyPIN compares SHA-256(pin) with the stored hex hash in constant time.
func VerifyPIN(pin, hash string) bool {
	if hash == "" {
		return false
	}
	got := HashPIN(pin)
	return subtle.ConstantTimeCompare([]byte(got), []byte(strings.ToLower(hash))) == 1
}
