// Package resolve extracts correlation keys from the free-text description
// an upstream system embeds in transaction events.
//
// The description is a weakly-typed side channel ("enrollmentId=E1,
// institutionId=I1 ...") kept behind the Extractor interface so the state
// machine never sees the parsing. When upstream moves the keys into a
// structured payload field, only this package changes.
package resolve

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/edupay/edupay/internal/domain"
)

// Correlation holds the identifiers extracted from a description.
type Correlation struct {
	EnrollmentID  string
	InstitutionID string
}

// Extractor pulls correlation keys out of opaque description text.
type Extractor interface {
	Extract(description string) (Correlation, error)
}

// ─── Description Extractor ──────────────────────────────────────────────────

// keyPattern matches a tolerant key=value pair: optional whitespace around
// '=', value terminated by comma or whitespace. Keys are matched
// case-insensitively because upstream is not consistent about casing.
var keyPattern = regexp.MustCompile(`(?i)\b(enrollmentId|institutionId)\s*=\s*([^,\s]+)`)

// DescriptionExtractor parses key=value pairs out of description text.
// Missing either key fails the whole event: partial correlation is treated
// the same as no correlation, since a payment that cannot name both its
// enrollment and its institution cannot be credited anywhere.
type DescriptionExtractor struct{}

// NewDescriptionExtractor returns the production extractor.
func NewDescriptionExtractor() *DescriptionExtractor {
	return &DescriptionExtractor{}
}

// Extract implements Extractor.
func (DescriptionExtractor) Extract(description string) (Correlation, error) {
	var c Correlation
	for _, m := range keyPattern.FindAllStringSubmatch(description, -1) {
		switch strings.ToLower(m[1]) {
		case "enrollmentid":
			if c.EnrollmentID == "" {
				c.EnrollmentID = m[2]
			}
		case "institutionid":
			if c.InstitutionID == "" {
				c.InstitutionID = m[2]
			}
		}
	}

	var missing []string
	if c.EnrollmentID == "" {
		missing = append(missing, "enrollmentId")
	}
	if c.InstitutionID == "" {
		missing = append(missing, "institutionId")
	}
	if len(missing) > 0 {
		return Correlation{}, domain.Permanent(
			fmt.Errorf("%w: missing %s", domain.ErrInvalidPaymentData, strings.Join(missing, ", ")),
			fmt.Sprintf("invalid payment data: description missing %s", strings.Join(missing, ", ")),
		)
	}
	return c, nil
}
