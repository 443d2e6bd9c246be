package models

import (
	"io"
	"time"
)

// FileRecord represents file metadata stored in the catalog
type FileRecord struct {
	ID             string     `json:"id"`
	PublicKeyHash  string     `json:"public_key_hash"`
	PrivateKeyHash string     `json:"-"`
	StoredName     string     `json:"stored_name"`
	OriginalName   string     `json:"original_name"`
	MimeType       string     `json:"mime_type"`
	SizeBytes      int64      `json:"size_bytes"`
	SourceIP       string     `json:"-"`
	DownloadCount  int64      `json:"download_count"`
	UploadedAt     time.Time  `json:"uploaded_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastDownloadAt *time.Time `json:"last_download_at,omitempty"`
}

// DownloadLog is one admitted download, kept for rate-limit accounting only
type DownloadLog struct {
	SourceIP     string
	DownloadedAt time.Time
}

// UploadRequest carries an inbound upload already extracted by the transport
type UploadRequest struct {
	Body         io.Reader
	OriginalName string
	MimeType     string
	Size         int64 // -1 when unknown
	SourceIP     string
}

// UploadResult holds the raw keys; the only moment they are exposed
type UploadResult struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// Download is an open byte stream plus the metadata needed to serve it.
// The caller must close Body.
type Download struct {
	Body         io.ReadCloser
	OriginalName string
	MimeType     string
	SizeBytes    int64
}
