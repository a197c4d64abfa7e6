package media

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const MaxUploadSizeBytes = 5 << 20

var (
	ErrInvalidForm  = errors.New("invalid multipart form")
	ErrMissingFile  = errors.New("file is required")
	ErrEmptyFile    = errors.New("file is empty")
	ErrFileTooLarge = errors.New("file is too large")
	ErrNotImage     = errors.New("file must be an image")
)

// ParseImageUpload reads one image from the multipart field and returns it as
// a data URI ready for UploadImage.
func ParseImageUpload(r *http.Request, field string) (string, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, MaxUploadSizeBytes+(1<<20))
	if err := r.ParseMultipartForm(MaxUploadSizeBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return "", ErrFileTooLarge
		}
		return "", ErrInvalidForm
	}

	file, header, err := r.FormFile(field)
	if err != nil {
		return "", ErrMissingFile
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, MaxUploadSizeBytes+1))
	if err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	if len(data) == 0 {
		return "", ErrEmptyFile
	}
	if len(data) > MaxUploadSizeBytes {
		return "", ErrFileTooLarge
	}

	contentType := strings.TrimSpace(header.Header.Get("Content-Type"))
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(strings.ToLower(contentType), "image/") {
		return "", ErrNotImage
	}

	return fmt.Sprintf("data:%s;base64,%s", contentType, base64.StdEncoding.EncodeToString(data)), nil
}
