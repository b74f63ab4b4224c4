package gallery

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidateUserID reports whether id can be used as a gallery key. Ids become
// file names, so only letters, digits, '_' and '-' are accepted.
func ValidateUserID(id string) error {
	if !userIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidUserID, id)
	}
	return nil
}

// UserID is a user identifier as it appears in JSON documents. Attendance
// clients send numeric ids, so digits-only ids are written as JSON numbers and
// both numbers and strings are accepted on input.
type UserID string

// MarshalJSON implements json.Marshaler.
func (u UserID) MarshalJSON() ([]byte, error) {
	if isNumeric(string(u)) {
		if n, err := strconv.ParseInt(string(u), 10, 64); err == nil && strconv.FormatInt(n, 10) == string(u) {
			return []byte(string(u)), nil
		}
	}
	return json.Marshal(string(u))
}

// UnmarshalJSON implements json.Unmarshaler.
func (u *UserID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*u = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*u = UserID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("user_id must be a string or integer: %w", err)
	}
	if _, err := n.Int64(); err != nil {
		return fmt.Errorf("user_id must be an integer, got %s", n)
	}
	*u = UserID(n.String())
	return nil
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// lessUserID is the tie-break order for equidistant matches. Digits-only ids
// sort first by numeric value, then by length so "7" precedes "007". All other
// ids follow in byte order.
func lessUserID(a, b string) bool {
	numA, numB := isNumeric(a), isNumeric(b)
	if numA != numB {
		return numA
	}
	if numA {
		ta, tb := strings.TrimLeft(a, "0"), strings.TrimLeft(b, "0")
		if len(ta) != len(tb) {
			return len(ta) < len(tb)
		}
		if ta != tb {
			return ta < tb
		}
		if len(a) != len(b) {
			return len(a) < len(b)
		}
	}
	return a < b
}
