package media

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

func TestDiskUploader_StoresImage(t *testing.T) {
	dir := t.TempDir()
	up, err := NewDiskUploader(dir, "/media/")
	require.NoError(t, err)

	u, err := up.Upload(context.Background(), bytes.NewReader(pngHeader))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "/media/"))
	assert.True(t, strings.HasSuffix(u, ".png"))

	stored, err := os.ReadFile(filepath.Join(dir, strings.TrimPrefix(u, "/media/")))
	require.NoError(t, err)
	assert.Equal(t, pngHeader, stored)

	other, err := up.Upload(context.Background(), bytes.NewReader(pngHeader))
	require.NoError(t, err)
	assert.NotEqual(t, u, other)
}

func TestDiskUploader_RejectsNonImages(t *testing.T) {
	dir := t.TempDir()
	up, err := NewDiskUploader(dir, "/media")
	require.NoError(t, err)

	_, err = up.Upload(context.Background(), strings.NewReader("<html><body>hi</body></html>"))
	assert.ErrorIs(t, err, ErrUnsupportedImage)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDiskUploader_RejectsOversizedImages(t *testing.T) {
	up, err := NewDiskUploader(t.TempDir(), "/media")
	require.NoError(t, err)

	big := append(append([]byte(nil), pngHeader...), make([]byte, MaxImageBytes)...)
	_, err = up.Upload(context.Background(), bytes.NewReader(big))
	assert.ErrorIs(t, err, ErrImageTooLarge)
}

func TestValidateImageURL(t *testing.T) {
	tests := []struct {
		raw string
		ok  bool
	}{
		{"https://example.com/nicholas.jpg", true},
		{" http://example.com/a.png ", true},
		{"ftp://example.com/a.png", false},
		{"/media/a.png", false},
		{"javascript:alert(1)", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			_, err := ValidateImageURL(tt.raw)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidImageURL)
			}
		})
	}
}
