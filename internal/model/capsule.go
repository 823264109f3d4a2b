// Package model contains simple struct definitions shared across packages.
package model

import (
	"io"
)

// CapsuleRecord is the client's read-only copy of a capsule the backend owns.
// Struct tags such as `json:"unlock_date"` map Go field names onto the snake_case
// keys the API speaks.
type CapsuleRecord struct {
	ID           string    `json:"id"`
	Filename     string    `json:"filename"`
	UnlockDate   Timestamp `json:"unlock_date"`
	AllowedUsers []string  `json:"allowed_users,omitempty"`
	// The remaining fields are only present on list responses.
	UploadDate Timestamp `json:"upload_date"`
	Unlocked   bool      `json:"unlocked,omitempty"`
	FileSize   int64     `json:"file_size,omitempty"`
	MimeType   string    `json:"mime_type,omitempty"`
}

// File is the blob a user chose in the upload form.
type File struct {
	Name        string
	ContentType string
	Reader      io.Reader
}

// PendingUpload is built from the form, consumed by exactly one upload call and
// then thrown away.
type PendingUpload struct {
	File         *File
	UnlockDate   Timestamp
	AllowedUsers []string
	OwnerKey     string
}

// Blob is a downloaded capsule body ready to be saved.
type Blob struct {
	CapsuleID   string
	Filename    string
	ContentType string
	Data        []byte
}

// Size returns the body length in bytes.
func (b Blob) Size() int64 {
	return int64(len(b.Data))
}
