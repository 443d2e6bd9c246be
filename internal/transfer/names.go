package transfer

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

const (
	defaultMimeType = "application/octet-stream"
	maxExtLen       = 16
	maxNameLen      = 255
)

// storedName builds the physical name for a new upload:
// <unix-millis>-<uuid><ext>. Only a sanitized extension survives from the
// uploader's file name, so nothing caller-controlled can reach a path.
func storedName(at time.Time, id uuid.UUID, originalName string) string {
	return fmt.Sprintf("%d-%s%s", at.UnixMilli(), id, safeExt(originalName))
}

func safeExt(name string) string {
	ext := strings.ToLower(filepath.Ext(strings.ReplaceAll(name, "\\", "/")))
	if len(ext) < 2 || len(ext) > maxExtLen {
		return ""
	}
	for _, r := range ext[1:] {
		if r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return ""
		}
	}
	return ext
}

// cleanOriginalName keeps the uploader's base name for the download header,
// dropping any directory part, control characters and quotes.
func cleanOriginalName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == '"' {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if r := []rune(name); len(r) > maxNameLen {
		name = string(r[:maxNameLen])
	}
	return name
}

// resolveMimeType prefers the declared type, then the extension, then a
// generic binary type.
func resolveMimeType(declared, originalName string) string {
	if declared != "" {
		if _, _, err := mime.ParseMediaType(declared); err == nil {
			return declared
		}
	}
	if byExt := mime.TypeByExtension(safeExt(originalName)); byExt != "" {
		return byExt
	}
	return defaultMimeType
}
