// Package fingerprint derives content keys used to recognise the same story
// arriving from different providers.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// DefaultBodyPrefix is the number of normalized body runes that contribute
// to a fingerprint.
const DefaultBodyPrefix = 280

// Fingerprinter computes content fingerprints. It is safe for concurrent use.
// The zero value is not usable; construct with New.
type Fingerprinter struct {
	bodyPrefix int
	policy     *bluemonday.Policy
}

// New returns a Fingerprinter hashing the title plus the first bodyPrefix
// runes of the normalized body. A non-positive bodyPrefix selects
// DefaultBodyPrefix.
func New(bodyPrefix int) *Fingerprinter {
	if bodyPrefix <= 0 {
		bodyPrefix = DefaultBodyPrefix
	}
	return &Fingerprinter{
		bodyPrefix: bodyPrefix,
		policy:     bluemonday.StrictPolicy(),
	}
}

// Sum returns the hex SHA-256 of the normalized title and body prefix.
func (f *Fingerprinter) Sum(title, body string) string {
	t := f.Normalize(title)
	b := truncateRunes(f.Normalize(body), f.bodyPrefix)

	h := sha256.New()
	h.Write([]byte(t))
	h.Write([]byte{0})
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// Normalize strips markup, folds case and width, and collapses every run of
// punctuation or whitespace into a single space.
func (f *Fingerprinter) Normalize(s string) string {
	if s == "" {
		return ""
	}
	s = html.UnescapeString(f.policy.Sanitize(s))
	// cases.Caser keeps state, so one is built per call.
	s = cases.Fold().String(norm.NFKC.String(s))

	var sb strings.Builder
	sb.Grow(len(s))
	gap := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if gap && sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			gap = false
			sb.WriteRune(r)
			continue
		}
		gap = true
	}
	return sb.String()
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
