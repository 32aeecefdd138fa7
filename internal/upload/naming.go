package upload

import (
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// sanitizeExtension extracts a filesystem-safe extension from a client
// supplied file name. The name itself is never trusted for the published
// path; only a normalized extension survives.
func sanitizeExtension(fileName string) string {
	ext := filepath.Ext(filepath.Base(norm.NFC.String(fileName)))
	ext = strings.ToLower(ext)
	var b strings.Builder
	for _, r := range ext {
		if r == '.' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	ext = b.String()
	if ext == "." || len(ext) > 16 {
		return ""
	}
	return ext
}

// artifactName produces the unique published name for a finished upload.
func artifactName(fileName string) string {
	return uuid.NewString() + sanitizeExtension(fileName)
}

// sanitizeSessionPath maps an arbitrary session id onto a safe working
// file name component.
func sanitizeSessionPath(sessionID string) string {
	var b strings.Builder
	for _, r := range sessionID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "session"
	}
	return b.String()
}
