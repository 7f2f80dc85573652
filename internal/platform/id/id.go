// Package id generates URL-safe identifiers.
//
// Identifiers are UUIDv4 bytes encoded as lowercase unpadded base32, so they
// are 26 characters long and safe in URLs, file paths and JSON frames.
package id

import (
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a fresh random identifier.
func NewID() (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return strings.ToLower(encoding.EncodeToString(value[:])), nil
}
