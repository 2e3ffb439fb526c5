package core

import (
	"strconv"
	"strings"
	"time"
)

// Token is an opaque, totally-ordered correlation marker attached to every
// market-data and execution message. The leading field is a microsecond
// timestamp; the remainder identifies the producer. Tokens are compared by
// that timestamp to detect stale or duplicated deliveries.
type Token string

// NewToken builds a token from a timestamp and a producer tag.
func NewToken(ts time.Time, source string) Token {
	b := strings.Builder{}
	b.WriteString(strconv.FormatInt(ts.UnixMicro(), 10))
	if source != "" {
		b.WriteByte('|')
		b.WriteString(source)
	}
	return Token(b.String())
}

// Timestamp extracts the leading microsecond field. Zero when the token is
// empty or malformed.
func (t Token) Timestamp() int64 {
	s := string(t)
	if i := strings.IndexByte(s, '|'); i >= 0 {
		s = s[:i]
	}
	micros, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return micros
}

// Time converts the token's timestamp field to a time.Time.
func (t Token) Time() time.Time {
	return time.UnixMicro(t.Timestamp())
}

// Before reports whether t was produced before o.
func (t Token) Before(o Token) bool {
	return t.Timestamp() < o.Timestamp()
}

func (t Token) String() string { return string(t) }
