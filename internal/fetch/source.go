package fetch

import (
	"bytes"
	"io"
	"os"

	"pixelflow/internal/request"
)

// DataSource is fetched, still encoded image data plus where it came from.
type DataSource interface {
	From() request.DataFrom
	Length() (int64, error)
	Open() (io.ReadCloser, error)
	Bytes() ([]byte, error)
}

// ByteSource is a DataSource backed by memory.
type ByteSource struct {
	data []byte
	from request.DataFrom
}

func NewByteSource(data []byte, from request.DataFrom) *ByteSource {
	return &ByteSource{data: data, from: from}
}

func (s *ByteSource) From() request.DataFrom {
	return s.from
}

func (s *ByteSource) Length() (int64, error) {
	return int64(len(s.data)), nil
}

func (s *ByteSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.data)), nil
}

func (s *ByteSource) Bytes() ([]byte, error) {
	return s.data, nil
}

// FileSource is a DataSource backed by a file. Decoders that can work on
// paths use Path directly.
type FileSource struct {
	path string
	from request.DataFrom
}

func NewFileSource(path string, from request.DataFrom) *FileSource {
	return &FileSource{path: path, from: from}
}

func (s *FileSource) Path() string {
	return s.path
}

func (s *FileSource) From() request.DataFrom {
	return s.from
}

func (s *FileSource) Length() (int64, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *FileSource) Open() (io.ReadCloser, error) {
	return os.Open(s.path)
}

func (s *FileSource) Bytes() ([]byte, error) {
	return os.ReadFile(s.path)
}
