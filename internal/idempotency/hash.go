// Package idempotency derives the fingerprint that deduplicates trigger
// retries into a single job per logical request.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Input is the full job specification covered by the fingerprint. Any change
// to any field produces a different hash.
type Input struct {
	ShopID      string
	QueryString string
	Namespace   string
	Key         string
	Type        string
	Value       string
	DryRun      bool
	MaxItems    int
}

// Hash returns the hex-encoded SHA-256 over the deterministic concatenation
// of all specification fields, joined with "|".
func Hash(in Input) string {
	parts := []string{
		in.ShopID,
		in.QueryString,
		in.Namespace,
		in.Key,
		in.Type,
		in.Value,
		strconv.FormatBool(in.DryRun),
		strconv.Itoa(in.MaxItems),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
