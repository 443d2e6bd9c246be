package transfer

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestStoredName(t *testing.T) {
	at := time.UnixMilli(1767225600123)
	id := uuid.MustParse("0b5e2a3c-9f1d-4c55-8e5b-2f6d7c8a9b10")

	tests := []struct {
		original string
		want     string
	}{
		{"photo.JPG", "1767225600123-0b5e2a3c-9f1d-4c55-8e5b-2f6d7c8a9b10.jpg"},
		{"archive.tar.gz", "1767225600123-0b5e2a3c-9f1d-4c55-8e5b-2f6d7c8a9b10.gz"},
		{"README", "1767225600123-0b5e2a3c-9f1d-4c55-8e5b-2f6d7c8a9b10"},
		{"../../etc/passwd", "1767225600123-0b5e2a3c-9f1d-4c55-8e5b-2f6d7c8a9b10"},
		{`..\..\boot.ini`, "1767225600123-0b5e2a3c-9f1d-4c55-8e5b-2f6d7c8a9b10.ini"},
		{"evil.p/h", "1767225600123-0b5e2a3c-9f1d-4c55-8e5b-2f6d7c8a9b10"},
		{"x.sh;rm", "1767225600123-0b5e2a3c-9f1d-4c55-8e5b-2f6d7c8a9b10"},
		{"a." + strings.Repeat("z", 40), "1767225600123-0b5e2a3c-9f1d-4c55-8e5b-2f6d7c8a9b10"},
		{"trailing.", "1767225600123-0b5e2a3c-9f1d-4c55-8e5b-2f6d7c8a9b10"},
	}

	for _, tt := range tests {
		t.Run(tt.original, func(t *testing.T) {
			got := storedName(at, id, tt.original)
			if got != tt.want {
				t.Errorf("storedName(%q) = %q, want %q", tt.original, got, tt.want)
			}
			if strings.ContainsAny(got, `/\`) || strings.Contains(got, "..") {
				t.Errorf("stored name %q is not a plain file name", got)
			}
		})
	}
}

func TestCleanOriginalName(t *testing.T) {
	tests := map[string]string{
		"report.pdf":            "report.pdf",
		"/tmp/uploads/a.txt":    "a.txt",
		`C:\Users\me\notes.txt`: "notes.txt",
		"bad\"quote\r\n.txt":    "badquote.txt",
		"   ":                   "",
		"dir/":                  "",
	}
	for in, want := range tests {
		if got := cleanOriginalName(in); got != want {
			t.Errorf("cleanOriginalName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolveMimeType(t *testing.T) {
	tests := []struct {
		declared, name, want string
	}{
		{"image/png", "x.bin", "image/png"},
		{"not a type", "x.png", "image/png"},
		{"", "page.html", "text/html; charset=utf-8"},
		{"", "blob", defaultMimeType},
	}
	for _, tt := range tests {
		if got := resolveMimeType(tt.declared, tt.name); got != tt.want {
			t.Errorf("resolveMimeType(%q, %q) = %q, want %q", tt.declared, tt.name, got, tt.want)
		}
	}
}
