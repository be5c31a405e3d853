package person

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jacentio/personstore/docstore"
)

// Patch maps field names to new values for a merge update. Fields absent
// from the patch are left untouched.
type Patch map[string]any

// Validate checks every key is a person field and every value has the
// field's type: strings for nickname and status, a non-negative integer
// for age.
func (p Patch) Validate() error {
	for field, v := range p {
		switch field {
		case FieldNickname, FieldStatus:
			if _, ok := v.(string); !ok {
				return &ValidationError{Field: field, Value: fmt.Sprint(v), Reason: "must be a string"}
			}
		case FieldAge:
			n, ok := patchInt(v)
			if !ok {
				return &ValidationError{Field: field, Value: fmt.Sprint(v), Reason: "must be an integer"}
			}
			if n < 0 {
				return &ValidationError{Field: field, Value: fmt.Sprint(v), Reason: "must not be negative"}
			}
		default:
			return &ValidationError{Field: field, Reason: "unknown field"}
		}
	}
	return nil
}

// patchInt accepts only Go integer kinds; floats and numeric strings are
// rejected rather than coerced.
func patchInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

func (p Patch) fields() docstore.Fields {
	out := make(docstore.Fields, len(p))
	for k, v := range p {
		out[k] = docstore.Normalize(v)
	}
	return out
}

// ParseAge parses age text as entered by a user.
func ParseAge(text string) (int, error) {
	trimmed := strings.TrimSpace(text)
	n, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, &ValidationError{Field: FieldAge, Value: text, Reason: "must be an integer"}
	}
	if n < 0 {
		return 0, &ValidationError{Field: FieldAge, Value: text, Reason: "must not be negative"}
	}
	return n, nil
}

// ParseBound parses an age range bound. Unlike ParseAge it accepts
// negative numbers, which simply match no stored age.
func ParseBound(text string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return 0, &ValidationError{Field: FieldAge, Value: text, Reason: "must be an integer"}
	}
	return n, nil
}

// PersonFromInput builds a Person from text fields. Age is required.
func PersonFromInput(nickname, status, age string) (Person, error) {
	n, err := ParseAge(age)
	if err != nil {
		return Person{}, err
	}
	return Person{Nickname: nickname, Status: status, Age: n}, nil
}

// PatchFromInput builds a Patch from text fields, leaving out every blank
// one so the merge keeps the stored value.
func PatchFromInput(nickname, status, age string) (Patch, error) {
	p := Patch{}
	if nickname != "" {
		p[FieldNickname] = nickname
	}
	if status != "" {
		p[FieldStatus] = status
	}
	if strings.TrimSpace(age) != "" {
		n, err := ParseAge(age)
		if err != nil {
			return nil, err
		}
		p[FieldAge] = n
	}
	return p, nil
}
