package delivery

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// Column limits shared by every store.
const (
	IDMaxLength          = 200
	RoutingKeyMaxLength  = 500
	PayloadTypeMaxLength = 1000
	ConsumerKeyMaxLength = 500
)

// BuildID derives a row id from trackID. A track id that fits the id
// column is used verbatim, a longer one is replaced by its SHA-256 hex
// digest. Without a track id the result is a random uuid.
func BuildID(trackID string) string {
	if trackID == "" {
		return uuid.NewString()
	}

	if len(trackID) <= IDMaxLength {
		return trackID
	}

	sum := sha256.Sum256([]byte(trackID))

	return hex.EncodeToString(sum[:])
}

// BuildInboxID derives an inbox row id scoped to consumerKey so the same
// bus message consumed by two consumers yields two rows.
func BuildInboxID(consumerKey, trackID string) string {
	if trackID == "" {
		return BuildID("")
	}

	return BuildID(consumerKey + "_" + trackID)
}
