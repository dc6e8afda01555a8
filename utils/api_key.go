package utils

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateAPIKey returns a new company API key using a stable sc_ prefix
// followed by the uppercase UUID without dashes. Keys issued during company
// registration use the same format so rotations stay compatible.
func GenerateAPIKey() string {
	key := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return "sc_" + key
}
