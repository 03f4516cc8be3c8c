package ingest

import (
	"strconv"
	"strings"
)

// splitPattern splits a printf pattern carrying exactly one %d-family verb
// (e.g. "img_%.5d.edf") into its literal prefix and suffix, so a filename
// can be inverted back to an image index without depending on fmt's own
// verb parser.
func splitPattern(pattern string) (prefix, suffix string, ok bool) {
	i := strings.IndexByte(pattern, '%')
	if i < 0 {
		return "", "", false
	}
	j := i + 1
	for j < len(pattern) && isWidthByte(pattern[j]) {
		j++
	}
	if j >= len(pattern) || pattern[j] != 'd' {
		return "", "", false
	}
	return pattern[:i], pattern[j+1:], true
}

func isWidthByte(b byte) bool {
	return b == '.' || (b >= '0' && b <= '9')
}

// parseIndex inverts splitPattern's prefix/suffix against a bare filename,
// returning the image index it encodes.
func parseIndex(prefix, suffix, name string) (int, bool) {
	if len(name) < len(prefix)+len(suffix) {
		return 0, false
	}
	if name[:len(prefix)] != prefix {
		return 0, false
	}
	if name[len(name)-len(suffix):] != suffix {
		return 0, false
	}
	digits := name[len(prefix) : len(name)-len(suffix)]
	if digits == "" {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return n, true
}
