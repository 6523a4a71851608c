package consistency

import (
	"regexp"
	"strings"

	"golang.org/x/text/language"

	"copydesk/api/internal/store"
)

var (
	slugPattern     = regexp.MustCompile(`^[a-z0-9]+(\.[a-z0-9]+)*$`)
	languagePattern = regexp.MustCompile(`^[a-z]{2,3}$`)
)

// NormalizeSlug trims and lowercases user input. It does not validate.
func NormalizeSlug(slug string) string {
	return strings.ToLower(strings.TrimSpace(slug))
}

// ValidateSlug checks the dotted lowercase format. An empty slug is only
// accepted when allowPending is set.
func ValidateSlug(slug string, allowPending bool) error {
	if slug == "" {
		if allowPending {
			return nil
		}
		return invalid("slug", "slug is required")
	}
	if !slugPattern.MatchString(slug) {
		return invalid("slug", "slug may contain lowercase letters, digits and single dots between segments")
	}
	return nil
}

// ValidateLanguage accepts two or three letter lowercase codes that name a known
// ISO 639 language.
func ValidateLanguage(code string) error {
	if code == "" {
		return invalid("language", "language is required")
	}
	if !languagePattern.MatchString(code) {
		return invalid("language", "language must be 2-3 lowercase letters")
	}
	if _, err := language.ParseBase(code); err != nil {
		return invalid("language", "unknown language code "+code)
	}
	return nil
}

// NewCopyInput is a create request as received from the caller.
type NewCopyInput struct {
	Text     string       `json:"text"`
	Slug     string       `json:"slug"`
	Language string       `json:"language"`
	Status   store.Status `json:"status"`
}

func normalizeNewCopy(input NewCopyInput) (NewCopyInput, error) {
	input.Slug = NormalizeSlug(input.Slug)
	input.Language = strings.ToLower(strings.TrimSpace(input.Language))
	if strings.TrimSpace(input.Text) == "" {
		return input, invalid("text", "text is required")
	}
	if err := ValidateLanguage(input.Language); err != nil {
		return input, err
	}
	if err := ValidateSlug(input.Slug, true); err != nil {
		return input, err
	}
	if input.Status == "" {
		input.Status = store.StatusNotAssigned
	}
	if !input.Status.Valid() {
		return input, invalid("status", "unknown status "+string(input.Status))
	}
	return input, nil
}
