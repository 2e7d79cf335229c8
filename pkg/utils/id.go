package utils

import (
	"strings"

	"github.com/google/uuid"
)

// GenID returns a new opaque record identifier.
func GenID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GenPairID returns a new twin-pair identifier with a readable prefix.
func GenPairID() string {
	return "pair_" + GenID()
}
