package markers

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// DefaultPattern matches [illustrate: ...] blocks with the prompt captured.
const DefaultPattern = `\[illustrate:\s*([^\]]+)\]`

// Marker is one detected generation request inside the text.
type Marker struct {
	// Content is the NFC-normalized, trimmed prompt text.
	Content string
	// Start and End are the byte offsets of the whole marker, half-open.
	Start int
	End   int
}

// Extractor scans text for markers using a compiled pattern set.
type Extractor struct {
	patterns []*regexp.Regexp
}

// NewExtractor compiles the given patterns. Each must contain exactly one
// capture group. With no patterns, the built-in default is used.
func NewExtractor(patterns ...string) (*Extractor, error) {
	if len(patterns) == 0 {
		patterns = []string{DefaultPattern}
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile marker pattern %q: %w", pattern, err)
		}
		if re.NumSubexp() != 1 {
			return nil, fmt.Errorf("marker pattern %q: need exactly one capture group, have %d", pattern, re.NumSubexp())
		}
		compiled = append(compiled, re)
	}
	return &Extractor{patterns: compiled}, nil
}

// Extract returns all markers in document order. Markers with empty content
// after trimming are dropped.
func (e *Extractor) Extract(text string) []Marker {
	var found []Marker
	for _, re := range e.patterns {
		for _, match := range re.FindAllStringSubmatchIndex(text, -1) {
			content := strings.TrimSpace(text[match[2]:match[3]])
			if content == "" {
				continue
			}
			found = append(found, Marker{
				Content: norm.NFC.String(content),
				Start:   match[0],
				End:     match[1],
			})
		}
	}
	sort.SliceStable(found, func(i, j int) bool {
		return found[i].Start < found[j].Start
	})
	return found
}
