package waiter

import (
	"strconv"
	"strings"
)

// Key is the composite WaitKey of spec §3: a message code plus zero or
// more string discriminators (username, filename, token, ...). Equality is
// structural, so Key is a plain comparable string built by joining its
// parts with a separator unlikely to appear in a username or filename.
type Key string

const sep = "\x1f" // ASCII unit separator

// NewKey builds a WaitKey from a numeric code and its discriminators.
func NewKey(code uint32, parts ...string) Key {
	b := strings.Builder{}
	b.WriteString(strconv.FormatUint(uint64(code), 10))
	for _, p := range parts {
		b.WriteString(sep)
		b.WriteString(p)
	}
	return Key(b.String())
}
