package db

import (
	"bytes"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	ssha512PrefixB64 = "{SSHA512}"
	ssha512PrefixHex = "{SSHA512.HEX}"
	blfCryptPrefix   = "{BLF-CRYPT}"

	sha512HashLength = 64
)

// ErrInvalidCredentials is returned by Authenticate for a wrong password or
// an account without one.
var ErrInvalidCredentials = errors.New("invalid credentials")

// GenerateBcryptHash creates a new bcrypt hash with the BLF-CRYPT prefix
// Returns a string in the format {BLF-CRYPT}bcrypt_hash
func GenerateBcryptHash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("error generating bcrypt hash: %w", err)
	}
	return blfCryptPrefix + string(hash), nil
}

// verifyPassword checks a password against bcrypt (bare or {BLF-CRYPT}) and
// {SSHA512} hashes, the formats accepted when accounts are imported from a
// mail server user database.
func verifyPassword(hashedPassword, password string) error {
	switch {
	case strings.HasPrefix(hashedPassword, ssha512PrefixHex),
		strings.HasPrefix(hashedPassword, ssha512PrefixB64):
		return verifySSHA512(hashedPassword, password)
	case strings.HasPrefix(hashedPassword, blfCryptPrefix),
		strings.HasPrefix(hashedPassword, "$2a$"),
		strings.HasPrefix(hashedPassword, "$2b$"),
		strings.HasPrefix(hashedPassword, "$2y$"):
		return bcrypt.CompareHashAndPassword([]byte(strings.TrimPrefix(hashedPassword, blfCryptPrefix)), []byte(password))
	default:
		return errors.New("unknown password hash scheme")
	}
}

func verifySSHA512(hashedPassword, password string) error {
	var (
		decoded []byte
		err     error
	)
	if strings.HasPrefix(hashedPassword, ssha512PrefixHex) {
		decoded, err = hex.DecodeString(hashedPassword[len(ssha512PrefixHex):])
	} else {
		decoded, err = base64.StdEncoding.DecodeString(hashedPassword[len(ssha512PrefixB64):])
	}
	if err != nil {
		return fmt.Errorf("invalid SSHA512 data: %w", err)
	}
	// hash (64 bytes) followed by the salt
	if len(decoded) <= sha512HashLength {
		return errors.New("invalid SSHA512 hash: too short")
	}

	h := sha512.New()
	h.Write([]byte(password))
	h.Write(decoded[sha512HashLength:])
	if !bytes.Equal(decoded[:sha512HashLength], h.Sum(nil)) {
		return errors.New("invalid password")
	}
	return nil
}

// needsRehash reports whether a bcrypt hash was created with a different cost
// than the current default.
func needsRehash(hash string) bool {
	hash = strings.TrimPrefix(hash, blfCryptPrefix)
	cost, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		return false
	}
	return cost != bcrypt.DefaultCost
}
