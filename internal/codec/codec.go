// Package codec serializes decoded bitmaps into result-cache data blobs.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"

	"github.com/disintegration/imaging"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"pixelflow/internal/bitmap"
)

var ErrCorrupt = errors.New("corrupt bitmap blob")

// Codec encodes a bitmap to a stream and back. Decode returns a bitmap in
// the given format, the one the bitmap had when it was encoded.
type Codec interface {
	Name() string
	Encode(w io.Writer, b *bitmap.Bitmap) error
	Decode(r io.Reader, format bitmap.Format, pool *bitmap.Pool) (*bitmap.Bitmap, error)
}

// ByName returns the codec registered under name: png, zstd or lz4.
func ByName(name string) (Codec, error) {
	switch name {
	case "png", "":
		return PNG{}, nil
	case "zstd":
		return Zstd{}, nil
	case "lz4":
		return LZ4{}, nil
	default:
		return nil, fmt.Errorf("unknown result cache codec: %s (supported: png, zstd, lz4)", name)
	}
}

// PNG stores bitmaps as lossless PNG. PNG has no premultiplied layout, so
// RGBA bitmaps are converted back on decode.
type PNG struct{}

func (PNG) Name() string { return "png" }

func (PNG) Encode(w io.Writer, b *bitmap.Bitmap) error {
	if err := imaging.Encode(w, b.Image(), imaging.PNG); err != nil {
		return fmt.Errorf("failed to encode png: %w", err)
	}
	return nil
}

func (PNG) Decode(r io.Reader, format bitmap.Format, pool *bitmap.Pool) (*bitmap.Bitmap, error) {
	img, err := imaging.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if _, gray := img.(*image.Gray); gray != (format == bitmap.FormatGray) {
		return nil, fmt.Errorf("%w: png color model does not match %s", ErrCorrupt, format)
	}
	return bitmap.FromImage(pool, img, format), nil
}

// Zstd stores raw pixel rows compressed with zstd.
type Zstd struct{}

func (Zstd) Name() string { return "zstd" }

func (Zstd) Encode(w io.Writer, b *bitmap.Bitmap) error {
	if err := writeHeader(w, b); err != nil {
		return err
	}
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	if err := writeRows(enc, b); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

func (Zstd) Decode(r io.Reader, format bitmap.Format, pool *bitmap.Pool) (*bitmap.Bitmap, error) {
	h, err := readHeader(r, format)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer dec.Close()
	return readRows(dec, h, pool)
}

// LZ4 stores raw pixel rows compressed with lz4 frames.
type LZ4 struct{}

func (LZ4) Name() string { return "lz4" }

func (LZ4) Encode(w io.Writer, b *bitmap.Bitmap) error {
	if err := writeHeader(w, b); err != nil {
		return err
	}
	zw := lz4.NewWriter(w)
	if err := writeRows(zw, b); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

func (LZ4) Decode(r io.Reader, format bitmap.Format, pool *bitmap.Pool) (*bitmap.Bitmap, error) {
	h, err := readHeader(r, format)
	if err != nil {
		return nil, err
	}
	return readRows(lz4.NewReader(r), h, pool)
}

// Raw blob layout: magic, format byte, width and height as little endian
// uint32, then Height rows of Width*bpp bytes.
var rawMagic = [4]byte{'P', 'X', 'R', 'W'}

const maxDimension = 1 << 15

type header struct {
	Magic  [4]byte
	Format uint8
	Width  uint32
	Height uint32
}

func writeHeader(w io.Writer, b *bitmap.Bitmap) error {
	h := header{Magic: rawMagic, Format: uint8(b.Format), Width: uint32(b.Width), Height: uint32(b.Height)}
	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("failed to write blob header: %w", err)
	}
	return nil
}

func readHeader(r io.Reader, want bitmap.Format) (header, error) {
	var h header
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return h, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if h.Magic != rawMagic {
		return h, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	f := bitmap.Format(h.Format)
	if !f.Poolable() || f < bitmap.FormatNRGBA || f > bitmap.FormatGray {
		return h, fmt.Errorf("%w: bad format %d", ErrCorrupt, h.Format)
	}
	if f != want {
		return h, fmt.Errorf("%w: blob is %s, expected %s", ErrCorrupt, f, want)
	}
	if h.Width == 0 || h.Height == 0 || h.Width > maxDimension || h.Height > maxDimension {
		return h, fmt.Errorf("%w: bad size %dx%d", ErrCorrupt, h.Width, h.Height)
	}
	return h, nil
}

func writeRows(w io.Writer, b *bitmap.Bitmap) error {
	rowLen := b.Width * b.Format.BytesPerPixel()
	for y := 0; y < b.Height; y++ {
		if _, err := w.Write(b.Pix[y*b.Stride : y*b.Stride+rowLen]); err != nil {
			return fmt.Errorf("failed to write pixels: %w", err)
		}
	}
	return nil
}

func readRows(r io.Reader, h header, pool *bitmap.Pool) (*bitmap.Bitmap, error) {
	b := bitmap.Obtain(pool, int(h.Width), int(h.Height), bitmap.Format(h.Format))
	rowLen := b.Width * b.Format.BytesPerPixel()
	for y := 0; y < b.Height; y++ {
		if _, err := io.ReadFull(r, b.Pix[y*b.Stride:y*b.Stride+rowLen]); err != nil {
			pool.Free(b)
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}
	return b, nil
}
