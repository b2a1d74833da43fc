package attempt

import (
	"errors"
	"strings"

	"github.com/example/style-predict/internal/predictor"
)

// MaxFileSize is the largest payload accepted for prediction (5 MiB).
const MaxFileSize = 5 * 1024 * 1024

var (
	// ErrNotImage rejects payloads whose MIME type is not image/*.
	ErrNotImage = errors.New("only image files can be uploaded")
	// ErrTooLarge rejects payloads above MaxFileSize.
	ErrTooLarge = errors.New("image exceeds the 5 MiB limit")
)

// File is a candidate upload.
type File struct {
	Name     string
	MIMEType string
	Data     []byte
}

// Size returns the payload length in bytes.
func (f *File) Size() int64 {
	return int64(len(f.Data))
}

// FileInfo describes a selected file without its payload.
type FileInfo struct {
	Name      string `json:"name"`
	MIMEType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
}

func (f *File) info() *FileInfo {
	return &FileInfo{Name: f.Name, MIMEType: f.MIMEType, SizeBytes: f.Size()}
}

func (f *File) image() predictor.Image {
	return predictor.Image{Name: f.Name, MIMEType: f.MIMEType, Data: f.Data}
}

// ValidateFile applies the client-side upload rules. A nil file is valid; callers treat it as a no-op.
func ValidateFile(f *File) error {
	if f == nil {
		return nil
	}
	return ValidateHeader(f.MIMEType, f.Size())
}

// ValidateHeader checks a MIME type and size before the payload is read.
func ValidateHeader(mimeType string, size int64) error {
	if !strings.HasPrefix(mimeType, "image/") {
		return &Failure{Kind: FailureValidation, Err: ErrNotImage}
	}
	if size > MaxFileSize {
		return &Failure{Kind: FailureValidation, Err: ErrTooLarge}
	}
	return nil
}
