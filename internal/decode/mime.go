package decode

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"pixelflow/internal/fetch"
)

// SniffMimeType identifies the image format from the leading bytes of src.
func SniffMimeType(src fetch.DataSource) (string, error) {
	r, err := src.Open()
	if err != nil {
		return "", err
	}
	defer r.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", err
	}
	return SniffBytes(head[:n]), nil
}

// SniffBytes is SniffMimeType for data already in memory.
func SniffBytes(head []byte) string {
	if bytes.HasPrefix(head, []byte("II*\x00")) || bytes.HasPrefix(head, []byte("MM\x00*")) {
		return "image/tiff"
	}
	mimeType := http.DetectContentType(head)
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return mimeType
}

// IsImageMime reports whether mimeType names an image format.
func IsImageMime(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/")
}
