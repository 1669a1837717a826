package credential

import (
	"crypto/subtle"
	"errors"
	"fmt"

	layeh "layeh.com/radius"
)

// MaxPAPLength is the longest User-Password plaintext (RFC 2865 section 5.2)
const MaxPAPLength = 128

var (
	// ErrInvalidPAPLength is returned when the ciphertext is not a positive
	// multiple of 16 bytes or exceeds 128 bytes
	ErrInvalidPAPLength = errors.New("credential: invalid User-Password length")
	// ErrPasswordTooLong is returned by EncryptPAP for passwords over 128 bytes
	ErrPasswordTooLong = errors.New("credential: password exceeds 128 bytes")
)

// EncryptPAP hides a password as User-Password. The password is NUL-padded
// to a multiple of 16 bytes.
func EncryptPAP(password, secret []byte, authenticator [16]byte) ([]byte, error) {
	if len(password) > MaxPAPLength {
		return nil, ErrPasswordTooLong
	}
	c, err := layeh.NewUserPassword(password, secret, authenticator[:])
	if err != nil {
		return nil, fmt.Errorf("credential: encrypt User-Password: %w", err)
	}
	return c, nil
}

// DecryptPAP reverses EncryptPAP. The plaintext ends at the first NUL.
func DecryptPAP(cipher, secret []byte, authenticator [16]byte) ([]byte, error) {
	if len(cipher) == 0 || len(cipher)%16 != 0 || len(cipher) > MaxPAPLength {
		return nil, ErrInvalidPAPLength
	}
	plain, err := layeh.UserPassword(cipher, secret, authenticator[:])
	if err != nil {
		return nil, fmt.Errorf("credential: decrypt User-Password: %w", err)
	}
	return plain, nil
}

// VerifyPAP compares a decrypted password with the stored one in constant time
func VerifyPAP(decrypted []byte, stored string) bool {
	return subtle.ConstantTimeCompare(decrypted, []byte(stored)) == 1
}
