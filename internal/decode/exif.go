package decode

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"image"
	"io"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"pixelflow/internal/bitmap"
)

// ExifOrientation is the value of the EXIF Orientation tag (1-8). Zero and
// one both mean the stored pixels are upright.
type ExifOrientation int

const (
	OrientationNormal         ExifOrientation = 1
	OrientationFlipHorizontal ExifOrientation = 2
	OrientationRotate180      ExifOrientation = 3
	OrientationFlipVertical   ExifOrientation = 4
	OrientationTranspose      ExifOrientation = 5
	OrientationRotate90       ExifOrientation = 6
	OrientationTransverse     ExifOrientation = 7
	OrientationRotate270      ExifOrientation = 8
)

const (
	exifTagOrientation = 0x0112
	maxExifScan        = 256 << 10
)

// IsIdentity reports whether the orientation leaves pixels untouched.
func (o ExifOrientation) IsIdentity() bool {
	return o <= OrientationNormal || o > OrientationRotate270
}

// Transposed reports whether the orientation swaps width and height.
func (o ExifOrientation) Transposed() bool {
	return o >= OrientationTranspose && o <= OrientationRotate270
}

// ApplyToSize maps stored dimensions to displayed dimensions.
func (o ExifOrientation) ApplyToSize(width, height int) (int, int) {
	if o.Transposed() {
		return height, width
	}
	return width, height
}

// ReverseSize maps displayed dimensions back to stored dimensions.
func (o ExifOrientation) ReverseSize(width, height int) (int, int) {
	return o.ApplyToSize(width, height)
}

// ReverseRect maps a rectangle in displayed space back to stored space.
// width and height are the stored dimensions.
func (o ExifOrientation) ReverseRect(r image.Rectangle, width, height int) image.Rectangle {
	x0, y0, x1, y1 := r.Min.X, r.Min.Y, r.Max.X, r.Max.Y
	switch o {
	case OrientationFlipHorizontal:
		return image.Rect(width-x1, y0, width-x0, y1)
	case OrientationRotate180:
		return image.Rect(width-x1, height-y1, width-x0, height-y0)
	case OrientationFlipVertical:
		return image.Rect(x0, height-y1, x1, height-y0)
	case OrientationTranspose:
		return image.Rect(y0, x0, y1, x1)
	case OrientationRotate90:
		return image.Rect(y0, height-x1, y1, height-x0)
	case OrientationTransverse:
		return image.Rect(width-y1, height-x1, width-y0, height-x0)
	case OrientationRotate270:
		return image.Rect(width-y1, x0, width-y0, x1)
	default:
		return r
	}
}

// matrix is the source-to-destination affine transform for a stored image
// of width x height.
func (o ExifOrientation) matrix(width, height int) f64.Aff3 {
	w, h := float64(width), float64(height)
	switch o {
	case OrientationFlipHorizontal:
		return f64.Aff3{-1, 0, w, 0, 1, 0}
	case OrientationRotate180:
		return f64.Aff3{-1, 0, w, 0, -1, h}
	case OrientationFlipVertical:
		return f64.Aff3{1, 0, 0, 0, -1, h}
	case OrientationTranspose:
		return f64.Aff3{0, 1, 0, 1, 0, 0}
	case OrientationRotate90:
		return f64.Aff3{0, -1, h, 1, 0, 0}
	case OrientationTransverse:
		return f64.Aff3{0, -1, h, -1, 0, w}
	case OrientationRotate270:
		return f64.Aff3{0, 1, 0, -1, 0, w}
	default:
		return f64.Aff3{1, 0, 0, 0, 1, 0}
	}
}

// Apply returns b rendered upright in a buffer from pool. The input is left
// untouched; identity orientations return b itself.
func (o ExifOrientation) Apply(b *bitmap.Bitmap, pool *bitmap.Pool) *bitmap.Bitmap {
	if o.IsIdentity() {
		return b
	}
	w, h := o.ApplyToSize(b.Width, b.Height)
	out := bitmap.Obtain(pool, w, h, b.Format)
	xdraw.NearestNeighbor.Transform(out.Image(), o.matrix(b.Width, b.Height), b.Image(), b.Bounds(), xdraw.Src, nil)
	return out
}

// ReadExifOrientation scans a JPEG APP1 segment or a TIFF header for the
// orientation tag. Anything unreadable yields OrientationNormal.
func ReadExifOrientation(r io.Reader) ExifOrientation {
	br := bufio.NewReader(io.LimitReader(r, maxExifScan))
	head, err := br.Peek(4)
	if err != nil {
		return OrientationNormal
	}
	switch {
	case head[0] == 0xFF && head[1] == 0xD8:
		br.Discard(2)
		return jpegOrientation(br)
	case bytes.Equal(head, []byte("II*\x00")) || bytes.Equal(head, []byte("MM\x00*")):
		data, _ := io.ReadAll(br)
		return tiffOrientation(data)
	default:
		return OrientationNormal
	}
}

func jpegOrientation(br *bufio.Reader) ExifOrientation {
	for {
		var marker [2]byte
		if _, err := io.ReadFull(br, marker[:]); err != nil || marker[0] != 0xFF {
			return OrientationNormal
		}
		// start of scan or end of image: no more metadata
		if marker[1] == 0xDA || marker[1] == 0xD9 {
			return OrientationNormal
		}
		var lenBuf [2]byte
		if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
			return OrientationNormal
		}
		n := int(binary.BigEndian.Uint16(lenBuf[:])) - 2
		if n < 0 {
			return OrientationNormal
		}
		if marker[1] != 0xE1 {
			if _, err := br.Discard(n); err != nil {
				return OrientationNormal
			}
			continue
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(br, payload); err != nil {
			return OrientationNormal
		}
		if tiff, ok := bytes.CutPrefix(payload, []byte("Exif\x00\x00")); ok {
			return tiffOrientation(tiff)
		}
	}
}

func tiffOrientation(data []byte) ExifOrientation {
	if len(data) < 8 {
		return OrientationNormal
	}
	var order binary.ByteOrder
	switch string(data[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return OrientationNormal
	}
	if order.Uint16(data[2:]) != 42 {
		return OrientationNormal
	}
	ifd := int(order.Uint32(data[4:]))
	if ifd < 8 || ifd+2 > len(data) {
		return OrientationNormal
	}
	count := int(order.Uint16(data[ifd:]))
	for i := 0; i < count; i++ {
		entry := ifd + 2 + i*12
		if entry+12 > len(data) {
			break
		}
		if order.Uint16(data[entry:]) != exifTagOrientation {
			continue
		}
		v := ExifOrientation(order.Uint16(data[entry+8:]))
		if v < OrientationNormal || v > OrientationRotate270 {
			return OrientationNormal
		}
		return v
	}
	return OrientationNormal
}
