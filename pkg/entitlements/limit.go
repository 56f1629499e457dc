package entitlements

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

const unlimitedLiteral = "unlimited"

// Limit is a numeric cap that is either bounded by a count or unbounded.
// The zero value is Bounded(0).
type Limit struct {
	n         int64
	unbounded bool
}

// Bounded returns a cap of n. Negative values are clamped to zero.
func Bounded(n int64) Limit {
	if n < 0 {
		n = 0
	}
	return Limit{n: n}
}

// Unbounded returns a limit that admits any count.
func Unbounded() Limit {
	return Limit{unbounded: true}
}

// IsUnbounded reports whether the limit has no cap
func (l Limit) IsUnbounded() bool {
	return l.unbounded
}

// Cap returns the numeric cap; ok is false for an unbounded limit.
func (l Limit) Cap() (n int64, ok bool) {
	if l.unbounded {
		return 0, false
	}
	return l.n, true
}

// Allows reports whether one more item may be added on top of current.
func (l Limit) Allows(current int64) bool {
	if l.unbounded {
		return true
	}
	return current < l.n
}

// Fits reports whether an existing count of items is within the limit.
func (l Limit) Fits(count int64) bool {
	if l.unbounded {
		return true
	}
	return count <= l.n
}

// Enabled reports whether the limit admits at least one item
func (l Limit) Enabled() bool {
	return l.unbounded || l.n > 0
}

// Remaining returns how many more items may be added; ok is false when
// unbounded.
func (l Limit) Remaining(current int64) (n int64, ok bool) {
	if l.unbounded {
		return 0, false
	}
	if current >= l.n {
		return 0, true
	}
	return l.n - current, true
}

func (l Limit) String() string {
	if l.unbounded {
		return unlimitedLiteral
	}
	return strconv.FormatInt(l.n, 10)
}

// MarshalJSON encodes an unbounded limit as "unlimited" and a bounded one as
// a plain number.
func (l Limit) MarshalJSON() ([]byte, error) {
	if l.unbounded {
		return []byte(`"` + unlimitedLiteral + `"`), nil
	}
	return []byte(strconv.FormatInt(l.n, 10)), nil
}

// UnmarshalJSON accepts a number, "unlimited", or null (treated as unlimited).
func (l *Limit) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*l = Unbounded()
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s != unlimitedLiteral {
			return fmt.Errorf("invalid limit %q", s)
		}
		*l = Unbounded()
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid limit %s: %w", data, err)
	}
	if n < 0 {
		return fmt.Errorf("invalid limit %d: must not be negative", n)
	}
	*l = Bounded(n)
	return nil
}
