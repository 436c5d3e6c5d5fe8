package auth

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	BcryptCost        = 12
	MinPasswordLength = 12
)

// HashPassword produces the PASSWORD_HASH value the server checks logins
// against.
func HashPassword(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", fmt.Errorf("password must be at least %d characters long", MinPasswordLength)
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashed), nil
}

func CheckPassword(hashedPassword, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password)) == nil
}

// Credentials is the single ledger owner allowed to log in with a password.
type Credentials struct {
	UserID       string
	PasswordHash string
}

func (c Credentials) Enabled() bool {
	return c.PasswordHash != ""
}

// Verify runs the bcrypt comparison even for an unknown user id so a wrong
// user and a wrong password take the same time.
func (c Credentials) Verify(userID, password string) bool {
	passwordOK := CheckPassword(c.PasswordHash, password)
	userOK := subtle.ConstantTimeCompare([]byte(userID), []byte(c.UserID)) == 1
	return c.Enabled() && userOK && passwordOK
}
