// Package ids generates and parses the identifiers used across the server.
package ids

import (
	"crypto/rand"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	ulidRegex = regexp.MustCompile(`(?i)^[0-9A-HJKMNP-TV-Z]{26}$`)

	ErrInvalidULID = errors.New("invalid ULID")
	ErrInvalidUUID = errors.New("invalid UUID")
)

// NewULID generates a new ULID string.
func NewULID() (string, error) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func IsULID(value string) bool {
	return ulidRegex.MatchString(strings.TrimSpace(value))
}

// NewUUID returns a random (v4) UUID.
func NewUUID() uuid.UUID {
	return uuid.New()
}

// ParseUUID accepts the canonical hyphenated form only.
func ParseUUID(value string) (uuid.UUID, error) {
	value = strings.TrimSpace(value)
	if len(value) != 36 {
		return uuid.Nil, ErrInvalidUUID
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, ErrInvalidUUID
	}
	return id, nil
}
