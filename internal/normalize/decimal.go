package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cockroachdb/apd/v3"
)

// Plain-notation bounds; anything larger is a feed error, not a price.
const (
	maxIntegerDigits  = 40
	maxFractionDigits = 40
)

var (
	errNotFinite   = errors.New("not a finite number")
	errOutOfBounds = errors.New("magnitude out of bounds")
)

// canonicalDecimal renders v as a reduced plain-notation decimal. The bool
// result is false when v is absent (nil or blank).
func canonicalDecimal(v any) (string, bool, error) {
	var raw string
	switch x := v.(type) {
	case nil:
		return "", false, nil
	case json.Number:
		raw = x.String()
	case string:
		raw = strings.ReplaceAll(strings.TrimSpace(x), ",", "")
		raw = strings.ReplaceAll(raw, "_", "")
		if raw == "" {
			return "", false, nil
		}
	default:
		return "", false, fmt.Errorf("unsupported type %T", v)
	}

	d, _, err := apd.NewFromString(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse %q: %w", raw, err)
	}
	if d.Form != apd.Finite {
		return "", false, errNotFinite
	}
	if d.IsZero() {
		return "0", true, nil
	}
	var reduced apd.Decimal
	reduced.Reduce(d)
	exp := int64(reduced.Exponent)
	if reduced.NumDigits()+exp > maxIntegerDigits || -exp > maxFractionDigits {
		return "", false, fmt.Errorf("parse %q: %w", raw, errOutOfBounds)
	}
	return reduced.Text('f'), true, nil
}
