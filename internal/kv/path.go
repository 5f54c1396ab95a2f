package kv

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var numericPart = regexp.MustCompile(`^-?\d+$`)

// maxSafeInteger is the largest integer a float64 represents exactly.
const maxSafeInteger = 1<<53 - 1

// ParsePath parses a slash-separated key path ("users/alice/42") into a
// structured key. Parts matching ^-?\d+$ that fit a safe integer become
// numbers; everything else stays a string. Empty parts are rejected.
func ParsePath(path string) (Key, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty key path", ErrInvalidArgument)
	}
	parts := strings.Split(path, "/")
	key := make(Key, 0, len(parts))
	for i, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("%w: empty key part at index %d", ErrInvalidArgument, i)
		}
		if numericPart.MatchString(part) {
			if n, err := strconv.ParseInt(part, 10, 64); err == nil && n >= -maxSafeInteger && n <= maxSafeInteger {
				key = append(key, float64(n))
				continue
			}
		}
		key = append(key, part)
	}
	return key, nil
}
