package sqlcompose

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrUnsupportedValue is returned for values Literal cannot render safely.
var ErrUnsupportedValue = errors.New("sqlcompose: unsupported value")

// jsonNumber is the JSON number grammar (RFC 8259). json.Number values are
// emitted unquoted, so nothing outside it is accepted.
var jsonNumber = regexp.MustCompile(`^-?(0|[1-9][0-9]*)(\.[0-9]+)?([eE][+-]?[0-9]+)?$`)

// Literal renders v as a PostgreSQL literal. Strings are single-quoted with
// embedded quotes doubled (standard_conforming_strings is assumed on).
// Unknown types are rejected rather than formatted with %v.
func Literal(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "NULL", nil
	case bool:
		if x {
			return "TRUE", nil
		}
		return "FALSE", nil
	case int:
		return strconv.FormatInt(int64(x), 10), nil
	case int8:
		return strconv.FormatInt(int64(x), 10), nil
	case int16:
		return strconv.FormatInt(int64(x), 10), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float32:
		return floatLiteral(float64(x)), nil
	case float64:
		return floatLiteral(x), nil
	case json.Number:
		if !jsonNumber.MatchString(string(x)) {
			return "", fmt.Errorf("%w: malformed number %q", ErrUnsupportedValue, string(x))
		}
		return string(x), nil
	case string:
		return quote(x)
	case []byte:
		return `'\x` + hex.EncodeToString(x) + `'::bytea`, nil
	case time.Time:
		return quote(x.Format(time.RFC3339Nano))
	case fmt.Stringer:
		return quote(x.String())
	default:
		return "", fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
}

func floatLiteral(f float64) string {
	switch {
	case math.IsNaN(f):
		return "'NaN'"
	case math.IsInf(f, 1):
		return "'Infinity'"
	case math.IsInf(f, -1):
		return "'-Infinity'"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func quote(s string) (string, error) {
	if strings.IndexByte(s, 0) >= 0 {
		return "", fmt.Errorf("%w: string contains NUL byte", ErrUnsupportedValue)
	}
	return "'" + strings.ReplaceAll(s, "'", "''") + "'", nil
}
