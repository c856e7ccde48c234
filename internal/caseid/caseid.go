// Package caseid validates incident case numbers such as INC-20240131-0007.
package caseid

import (
	"fmt"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/eightd/internal/apperr"
)

var pattern = regexp.MustCompile(`^INC-\d{8}-\d{4}$`)

// Normalize trims surrounding whitespace.
func Normalize(id string) string {
	return strings.TrimSpace(id)
}

// Validate returns apperr.ErrInvalidCaseID (wrapped) unless id matches the
// case number pattern.
func Validate(id string) error {
	err := validation.Validate(id,
		validation.Required,
		validation.Match(pattern).Error("must look like INC-YYYYMMDD-NNNN"),
	)
	if err != nil {
		return fmt.Errorf("%w: %q: %s", apperr.ErrInvalidCaseID, id, err.Error())
	}
	return nil
}

// Valid reports whether id is a well-formed case number.
func Valid(id string) bool {
	return Validate(id) == nil
}
