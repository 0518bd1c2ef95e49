package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var pageMarker = regexp.MustCompile(`(?m)^\[\[page:(\d+)\]\][ \t]*(?:\r?\n|$)`)

// PageMarker is the line that precedes the text of page n.
func PageMarker(n int) string {
	return fmt.Sprintf("[[page:%d]]", n)
}

// JoinPages assembles page texts into one document, numbering pages from 1.
func JoinPages(pages []string) string {
	var sb strings.Builder
	for i, page := range pages {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(PageMarker(i + 1))
		sb.WriteString("\n")
		sb.WriteString(strings.TrimSpace(page))
	}
	return sb.String()
}

// PageOffset says that page Number starts at byte Offset of the stripped text.
type PageOffset struct {
	Number int
	Offset int
}

// StripPageMarkers removes marker lines and reports where each page starts in
// the remaining text. ok is false when the text had no markers.
func StripPageMarkers(text string) (body string, pages []PageOffset, ok bool) {
	locs := pageMarker.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return text, nil, false
	}
	var sb strings.Builder
	sb.Grow(len(text))
	last := 0
	for _, loc := range locs {
		sb.WriteString(text[last:loc[0]])
		n, err := strconv.Atoi(text[loc[2]:loc[3]])
		if err != nil {
			n = len(pages) + 1
		}
		pages = append(pages, PageOffset{Number: n, Offset: sb.Len()})
		last = loc[1]
	}
	sb.WriteString(text[last:])
	return sb.String(), pages, true
}

// PageAt returns the page containing byte offset off. Text before the first
// marker belongs to the first page.
func PageAt(pages []PageOffset, off int) int {
	if len(pages) == 0 {
		return 0
	}
	page := pages[0].Number
	for _, p := range pages {
		if p.Offset > off {
			break
		}
		page = p.Number
	}
	return page
}
