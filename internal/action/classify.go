package action

import (
	"context"
	"errors"
	"strings"

	"outreach/internal/remote"
)

// Class is the category a failed attempt falls into. It decides the retry
// policy for the next attempt.
type Class int

const (
	ClassOther Class = iota
	ClassRateLimited
	ClassTransient
	ClassNotFound
	ClassTimeout
)

func (c Class) String() string {
	switch c {
	case ClassRateLimited:
		return "rate_limited"
	case ClassTransient:
		return "transient"
	case ClassNotFound:
		return "not_found"
	case ClassTimeout:
		return "timeout"
	default:
		return "other"
	}
}

// Remote libraries rarely export typed errors for these conditions, so the
// error text is matched as a last resort. Order matters: a "404" inside a
// rate-limit message must not win over the rate-limit marker. Status codes
// only count as standalone numbers.
var textRules = []struct {
	class   Class
	codes   []string
	phrases []string
}{
	{ClassRateLimited, []string{"429"}, []string{"too many requests", "retry after", "rate limit", "flood"}},
	{ClassTransient, []string{"500", "502", "503", "504"}, []string{
		"internal server", "bad gateway", "service unavailable", "gateway timeout",
		"jsondecodeerror", "unexpected end of json", "invalid character",
		"connection reset", "unexpected eof",
	}},
	{ClassNotFound, []string{"404"}, []string{"not found", "not exist", "does not exist"}},
}

// Classify maps an attempt error onto a Class.
//
// Sentinels from package remote take precedence over text matching. A nil
// error classifies as ClassOther.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassOther
	case errors.Is(err, remote.ErrRateLimited):
		return ClassRateLimited
	case errors.Is(err, remote.ErrNotFound):
		return ClassNotFound
	case errors.Is(err, remote.ErrTransient):
		return ClassTransient
	case errors.Is(err, ErrDeadline), errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	}

	msg := strings.ToLower(err.Error())
	for _, r := range textRules {
		for _, c := range r.codes {
			if containsCode(msg, c) {
				return r.class
			}
		}
		for _, p := range r.phrases {
			if strings.Contains(msg, p) {
				return r.class
			}
		}
	}
	return ClassOther
}

// containsCode reports whether code appears in msg with no letter, digit or
// underscore on either side, so "(502)" matches and "aah404xk" does not.
func containsCode(msg, code string) bool {
	for from := 0; from < len(msg); {
		i := strings.Index(msg[from:], code)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(code)
		if (start == 0 || !isWordByte(msg[start-1])) && (end == len(msg) || !isWordByte(msg[end])) {
			return true
		}
		from = start + 1
	}
	return false
}

func isWordByte(b byte) bool {
	return b == '_' || ('0' <= b && b <= '9') || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z')
}
