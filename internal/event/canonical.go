package event

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// CanonicalName normalizes a stream or attribute identifier to NFC.
// Definition documents may arrive from editors that emit decomposed
// Unicode; two identifiers that render identically must resolve to the
// same schema slot.
func CanonicalName(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
