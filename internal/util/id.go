package util

import (
	"encoding/hex"

	"github.com/google/uuid"
)

const (
	PrefixProposal     = "prop"
	PrefixVersion      = "ver"
	PrefixNotification = "ntf"
)

// NewID returns prefix_<32 hex chars>. The body is a UUIDv7, so ids created
// later sort after earlier ones.
func NewID(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	body := hex.EncodeToString(id[:])
	if prefix == "" {
		return body
	}
	return prefix + "_" + body
}
