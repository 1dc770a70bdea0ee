package util

import (
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const runIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewRunID returns a sortable run identifier: a UTC timestamp followed by a
// short nanoid, e.g. "20260412T101500Z-k3x9q2m1".
func NewRunID(now time.Time) string {
	suffix, err := gonanoid.Generate(runIDAlphabet, 8)
	if err != nil {
		suffix = gonanoid.Must(8)
	}
	return now.UTC().Format("20060102T150405Z") + "-" + suffix
}

// IsRunID reports whether s has the shape produced by NewRunID.
func IsRunID(s string) bool {
	if len(s) != 16+1+8 {
		return false
	}
	if _, err := time.Parse("20060102T150405Z", s[:16]); err != nil {
		return false
	}
	if s[16] != '-' {
		return false
	}
	for i := 17; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'z') {
			return false
		}
	}
	return true
}
