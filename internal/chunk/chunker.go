// Package chunk splits extracted text into overlapping segments and keeps
// track of the pages each segment came from.
package chunk

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/Lllllllleong/ragdocumentflow/internal/extract"
)

const (
	DefaultSize          = 1000
	DefaultOverlap       = 100
	DefaultCharsPerToken = 4.0
)

var newlinePattern = regexp.MustCompile(`\r\n|\r`)

// Settings controls segment size. Size and Overlap are measured in
// characters.
type Settings struct {
	Size          int
	Overlap       int
	CharsPerToken float64
}

// Piece is one segment of a document's text.
type Piece struct {
	Index       int
	Content     string
	TokenCount  int
	PageStart   *int
	PageEnd     *int
	HasPageData bool
}

type Chunker struct {
	settings Settings
}

func New(settings Settings) (*Chunker, error) {
	if settings.Size <= 0 {
		return nil, errors.New("chunk: size must be greater than zero")
	}
	if settings.Overlap < 0 {
		return nil, errors.New("chunk: overlap cannot be negative")
	}
	if settings.Overlap >= settings.Size {
		return nil, fmt.Errorf("chunk: overlap %d must be smaller than size %d", settings.Overlap, settings.Size)
	}
	if settings.CharsPerToken <= 0 {
		settings.CharsPerToken = DefaultCharsPerToken
	}
	return &Chunker{settings: settings}, nil
}

// Split segments text in order. When the text carries page markers, every
// piece gets the range of pages it spans.
func (c *Chunker) Split(text string) ([]Piece, error) {
	body, pages, paged := extract.StripPageMarkers(newlinePattern.ReplaceAllString(text, "\n"))
	if strings.TrimSpace(body) == "" {
		return nil, nil
	}
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(c.settings.Size),
		textsplitter.WithChunkOverlap(c.settings.Overlap),
	)
	segments, err := splitter.SplitText(body)
	if err != nil {
		return nil, fmt.Errorf("chunk: split text: %w", err)
	}

	pieces := make([]Piece, 0, len(segments))
	cursor := 0
	for _, segment := range segments {
		content := strings.TrimSpace(segment)
		if content == "" {
			continue
		}
		piece := Piece{
			Index:       len(pieces),
			Content:     content,
			TokenCount:  c.tokens(content),
			HasPageData: paged,
		}
		if paged {
			start := locate(body, content, cursor)
			end := start + len(content) - 1
			piece.PageStart = ptr(extract.PageAt(pages, start))
			piece.PageEnd = ptr(max(extract.PageAt(pages, end), *piece.PageStart))
			cursor = min(start+1, len(body))
		}
		pieces = append(pieces, piece)
	}
	return pieces, nil
}

func (c *Chunker) tokens(s string) int {
	return int(math.Ceil(float64(utf8.RuneCountInString(s)) / c.settings.CharsPerToken))
}

// locate finds content in body at or after from. Segments come back in order,
// so a miss means the splitter rewrote separators and the cursor is the best
// estimate left.
func locate(body, content string, from int) int {
	if i := strings.Index(body[from:], content); i >= 0 {
		return from + i
	}
	return from
}

func ptr(v int) *int {
	return &v
}
