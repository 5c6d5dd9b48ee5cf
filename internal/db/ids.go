package db

import (
	"strings"

	"github.com/google/uuid"
)

// NewVariantID returns an external variant identifier like var_1a2b3c4d5e6f
func NewVariantID() string {
	return "var_" + hexUUID()[:12]
}

// NewTrackingToken returns an unguessable impression token like trk_<16 hex>_<16 hex>
func NewTrackingToken() string {
	return "trk_" + hexUUID()[:16] + "_" + hexUUID()[:16]
}

func hexUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
