// Package extract turns stored document bytes into plain text.
package extract

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"
	"unicode/utf8"
)

var (
	ErrUnsupportedType = errors.New("unsupported document type")
	ErrEmptyText       = errors.New("no text could be extracted")
)

// File is the input of an extraction.
type File struct {
	Filename string
	MimeType string
	Content  []byte
}

// Extractor returns the text of a file. Extractors that know page
// boundaries emit a page marker line before each page's text.
type Extractor interface {
	Extract(ctx context.Context, file File) (string, error)
}

type ExtractorFunc func(ctx context.Context, file File) (string, error)

func (f ExtractorFunc) Extract(ctx context.Context, file File) (string, error) {
	return f(ctx, file)
}

// Router picks an Extractor by media type. Routes ending in "/" match every
// subtype, e.g. "text/".
type Router struct {
	routes   map[string]Extractor
	prefixes map[string]Extractor
}

func NewRouter() *Router {
	return &Router{
		routes:   make(map[string]Extractor),
		prefixes: make(map[string]Extractor),
	}
}

// Handle registers e for mediaType.
func (r *Router) Handle(mediaType string, e Extractor) *Router {
	mediaType = strings.ToLower(mediaType)
	if strings.HasSuffix(mediaType, "/") {
		r.prefixes[mediaType] = e
	} else {
		r.routes[mediaType] = e
	}
	return r
}

func (r *Router) Extract(ctx context.Context, file File) (string, error) {
	mediaType := baseType(file.MimeType)
	if e, ok := r.routes[mediaType]; ok {
		return e.Extract(ctx, file)
	}
	if i := strings.Index(mediaType, "/"); i > 0 {
		if e, ok := r.prefixes[mediaType[:i+1]]; ok {
			return e.Extract(ctx, file)
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedType, file.MimeType)
}

func baseType(mimeType string) string {
	if mediaType, _, err := mime.ParseMediaType(mimeType); err == nil {
		return mediaType
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

// PlainText decodes UTF-8 text. Form feeds, as written by most PDF to text
// converters, are treated as page breaks.
type PlainText struct{}

func (PlainText) Extract(ctx context.Context, file File) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !utf8.Valid(file.Content) {
		return "", fmt.Errorf("%s is not valid UTF-8 text", file.Filename)
	}
	text := strings.ReplaceAll(string(file.Content), "\r\n", "\n")
	if !strings.Contains(text, "\f") {
		return text, nil
	}
	return JoinPages(strings.Split(text, "\f")), nil
}
