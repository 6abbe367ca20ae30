package conversation

import (
	"errors"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// Intake field names, collected in this order.
const (
	FieldFullName      = "full_name"
	FieldContactNumber = "contact_number"
	FieldReason        = "reason"
)

var requiredFields = []string{FieldFullName, FieldContactNumber, FieldReason}

var errFieldInvalid = errors.New("conversation: field value invalid")

// fieldCollector validates and normalizes intake field values.
type fieldCollector struct {
	defaultRegion string
}

func newFieldCollector(defaultRegion string) *fieldCollector {
	if defaultRegion == "" {
		defaultRegion = "US"
	}
	return &fieldCollector{defaultRegion: defaultRegion}
}

// nextMissing returns the first required field not yet collected, or "".
func nextMissing(state *State) string {
	for _, name := range requiredFields {
		if state.FieldValue(name) == "" {
			return name
		}
	}
	return ""
}

// extract validates raw text as a value for the named field. It returns the
// normalized value, or errFieldInvalid when the text does not look like a
// plausible answer for the field.
func (c *fieldCollector) extract(name, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errFieldInvalid
	}

	switch name {
	case FieldFullName:
		return c.extractName(raw)
	case FieldContactNumber:
		return c.extractPhone(raw)
	case FieldReason:
		return c.extractReason(raw)
	default:
		return "", errFieldInvalid
	}
}

func (c *fieldCollector) extractName(raw string) (string, error) {
	// A name is at least two words of letters; digits rule it out.
	words := strings.Fields(raw)
	if len(words) < 2 || len(words) > 6 {
		return "", errFieldInvalid
	}
	for _, w := range words {
		for _, r := range w {
			if r >= '0' && r <= '9' {
				return "", errFieldInvalid
			}
		}
	}
	return strings.Join(words, " "), nil
}

func (c *fieldCollector) extractPhone(raw string) (string, error) {
	num, err := phonenumbers.Parse(raw, c.defaultRegion)
	if err != nil {
		return "", errFieldInvalid
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", errFieldInvalid
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

func (c *fieldCollector) extractReason(raw string) (string, error) {
	if len(raw) < 3 {
		return "", errFieldInvalid
	}
	return raw, nil
}
