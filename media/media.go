// Package media stores uploaded icon images and hands back the URL they are
// served from.
package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"iconostasis/common"
)

// MaxImageBytes bounds a single upload.
const MaxImageBytes = 10 << 20

var (
	ErrUnsupportedImage = common.NewError(common.ErrValidation, "Image must be a JPEG, PNG, GIF or WebP file")
	ErrImageTooLarge    = common.NewError(common.ErrValidation, "Image must be at most 10 MB")
	ErrInvalidImageURL  = common.NewError(common.ErrValidation, "Image URL must be an absolute http or https URL")
)

var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// Uploader persists image bytes and returns a durable URL for them.
type Uploader interface {
	Upload(ctx context.Context, r io.Reader) (string, error)
}

// DiskUploader writes images under dir and serves them below baseURL.
type DiskUploader struct {
	dir     string
	baseURL string
}

func NewDiskUploader(dir, baseURL string) (*DiskUploader, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &DiskUploader{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (d *DiskUploader) Upload(ctx context.Context, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	data, err := io.ReadAll(io.LimitReader(r, MaxImageBytes+1))
	if err != nil {
		return "", err
	}
	if len(data) > MaxImageBytes {
		return "", ErrImageTooLarge
	}

	ext, ok := extensions[http.DetectContentType(data)]
	if !ok {
		return "", ErrUnsupportedImage
	}

	name := uuid.New().String() + ext
	tmp, err := os.CreateTemp(d.dir, ".upload-*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(d.dir, name)); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("store image: %w", err)
	}

	return d.baseURL + "/" + name, nil
}

// ValidateImageURL accepts absolute http(s) URLs only.
func ValidateImageURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", ErrInvalidImageURL
	}
	return u.String(), nil
}
