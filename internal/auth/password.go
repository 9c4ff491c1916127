package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// HashCredential hashes a plaintext secret using bcrypt.
func HashCredential(secret string) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("secret is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyCredential compares a plaintext secret with the stored hash. The
// comparison runs in constant time with respect to the secret.
func VerifyCredential(hash, secret string) error {
	if hash == "" {
		return errors.New("credential hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
}
