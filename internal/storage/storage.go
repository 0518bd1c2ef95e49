// Package storage defines the object storage port used for uploaded files.
package storage

import (
	"context"
	"errors"
	"path"
	"regexp"
	"strings"

	"github.com/Lllllllleong/ragdocumentflow/internal/models"
)

var ErrObjectNotFound = errors.New("object not found")

// ObjectStore holds the original bytes of uploaded documents.
type ObjectStore interface {
	// Put writes data at objectPath, replacing any existing object.
	Put(ctx context.Context, objectPath string, data []byte, contentType string) error
	// Get returns ErrObjectNotFound when nothing is stored at objectPath.
	Get(ctx context.Context, objectPath string) ([]byte, error)
	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

const maxSegmentLen = 200

// ObjectPath returns the storage location of a document's bytes:
// <scope>/<documentID>/<filename>, with every segment sanitised.
func ObjectPath(scopeID *string, documentID, filename string) string {
	return path.Join(
		sanitize(models.ScopeKey(scopeID), models.GlobalScope),
		sanitize(documentID, "document"),
		sanitize(path.Base(strings.ReplaceAll(filename, `\`, "/")), "file"),
	)
}

func sanitize(s, fallback string) string {
	s = unsafeChars.ReplaceAllString(s, "_")
	s = strings.Trim(s, "._")
	if len(s) > maxSegmentLen {
		s = s[len(s)-maxSegmentLen:]
	}
	if s == "" {
		return fallback
	}
	return s
}
