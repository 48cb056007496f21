package ingest

import (
	"bufio"
	"errors"
	"strings"
)

// ErrNoValidURLs is returned when the input holds no usable source URL.
var ErrNoValidURLs = errors.New("no valid RTSP URLs found")

var schemes = []string{"rtsp://", "http://", "https://"}

// Valid reports whether s starts with a supported source scheme.
func Valid(s string) bool {
	lower := strings.ToLower(s)
	for _, p := range schemes {
		if strings.HasPrefix(lower, p) && len(s) > len(p) {
			return true
		}
	}
	return false
}

// ParseText extracts source URLs from newline-separated text. Lines are
// trimmed, lines without a supported scheme are dropped and duplicates keep
// their first position. No URLs at all is an error, never a partial result.
func ParseText(text string) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return Clean(lines)
}

// Clean applies the same filtering as ParseText to an already split list.
func Clean(candidates []string) ([]string, error) {
	seen := make(map[string]bool, len(candidates))
	urls := make([]string, 0, len(candidates))
	for _, c := range candidates {
		u := strings.TrimSpace(c)
		if !Valid(u) || seen[u] {
			continue
		}
		seen[u] = true
		urls = append(urls, u)
	}
	if len(urls) == 0 {
		return nil, ErrNoValidURLs
	}
	return urls, nil
}
