package replication

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/oriys/tether/internal/schema"
)

// ErrUnrecognizedTable is returned for tables whose name matches no known
// family and that have no configured strategy.
var ErrUnrecognizedTable = errors.New("unrecognized table")

// Strategy is the conflict-resolution protocol used to apply source rows.
type Strategy int

const (
	// VersionedUpsert inserts new rows and overwrites existing ones only when
	// the incoming version is strictly greater.
	VersionedUpsert Strategy = iota + 1
	// InsertIfAbsent inserts new rows and leaves existing ones untouched.
	InsertIfAbsent
)

func (s Strategy) String() string {
	switch s {
	case VersionedUpsert:
		return "versioned_upsert"
	case InsertIfAbsent:
		return "insert_if_absent"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseStrategy parses the names produced by Strategy.String.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "versioned_upsert":
		return VersionedUpsert, nil
	case "insert_if_absent":
		return InsertIfAbsent, nil
	}
	return 0, fmt.Errorf("unknown strategy %q", name)
}

var (
	catalogObject = regexp.MustCompile(`^_(reference|document)\d+$`)

	appendOnlyFamilies = []*regexp.Regexp{
		regexp.MustCompile(`^_(reference|document)\d+_vt\d+$`), // tabular sections
		regexp.MustCompile(`^_inforg\d+$`),                     // information registers
		regexp.MustCompile(`^_accumrg\d+$`),                    // accumulation registers
		regexp.MustCompile(`^_enum\d+$`),                       // enumerations
	}
)

// Classify picks the strategy for a table. An entry in overrides, keyed by
// the name as given or by its unqualified part, wins over the naming rules.
func Classify(name string, overrides map[string]Strategy) (Strategy, error) {
	if !schema.ValidName(name) {
		return 0, fmt.Errorf("%q: %w", name, schema.ErrInvalidName)
	}
	_, table := schema.SplitName(name)
	if s, ok := overrides[name]; ok {
		return s, nil
	}
	if s, ok := overrides[table]; ok {
		return s, nil
	}

	if catalogObject.MatchString(table) {
		return VersionedUpsert, nil
	}
	for _, re := range appendOnlyFamilies {
		if re.MatchString(table) {
			return InsertIfAbsent, nil
		}
	}
	return 0, fmt.Errorf("%s: %w", name, ErrUnrecognizedTable)
}
