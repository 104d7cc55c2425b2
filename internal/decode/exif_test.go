package decode

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixelflow/internal/bitmap"
)

// exifSegment builds an APP1 segment carrying one orientation tag.
func exifSegment(orientation uint16, order binary.ByteOrder) []byte {
	var tiff bytes.Buffer
	if order == binary.LittleEndian {
		tiff.WriteString("II")
	} else {
		tiff.WriteString("MM")
	}
	binary.Write(&tiff, order, uint16(42))
	binary.Write(&tiff, order, uint32(8))
	binary.Write(&tiff, order, uint16(1))
	binary.Write(&tiff, order, uint16(exifTagOrientation))
	binary.Write(&tiff, order, uint16(3))
	binary.Write(&tiff, order, uint32(1))
	binary.Write(&tiff, order, orientation)
	binary.Write(&tiff, order, uint16(0))
	binary.Write(&tiff, order, uint32(0))

	payload := append([]byte("Exif\x00\x00"), tiff.Bytes()...)
	seg := []byte{0xFF, 0xE1}
	seg = binary.BigEndian.AppendUint16(seg, uint16(len(payload)+2))
	return append(seg, payload...)
}

// withExif splices an orientation segment right after the SOI marker.
func withExif(jpegData []byte, orientation uint16) []byte {
	out := append([]byte{}, jpegData[:2]...)
	out = append(out, exifSegment(orientation, binary.BigEndian)...)
	return append(out, jpegData[2:]...)
}

func TestReadExifOrientation(t *testing.T) {
	jpegLike := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x04, 'J', 'F'}
	jpegLike = append(jpegLike, exifSegment(6, binary.BigEndian)...)
	jpegLike = append(jpegLike, 0xFF, 0xDA)
	assert.Equal(t, OrientationRotate90, ReadExifOrientation(bytes.NewReader(jpegLike)))

	le := append([]byte{0xFF, 0xD8}, exifSegment(3, binary.LittleEndian)...)
	assert.Equal(t, OrientationRotate180, ReadExifOrientation(bytes.NewReader(le)))

	tiff := exifSegment(8, binary.LittleEndian)[10:]
	assert.Equal(t, OrientationRotate270, ReadExifOrientation(bytes.NewReader(tiff)))

	assert.Equal(t, OrientationNormal, ReadExifOrientation(bytes.NewReader([]byte("\x89PNG\r\n\x1a\n"))))
	assert.Equal(t, OrientationNormal, ReadExifOrientation(bytes.NewReader(nil)))
	assert.Equal(t, OrientationNormal, ReadExifOrientation(bytes.NewReader(append([]byte{0xFF, 0xD8}, exifSegment(9, binary.BigEndian)...))))
}

func TestExifOrientationSizes(t *testing.T) {
	w, h := OrientationRotate90.ApplyToSize(1291, 1936)
	assert.Equal(t, []int{1936, 1291}, []int{w, h})
	w, h = OrientationRotate180.ReverseSize(600, 500)
	assert.Equal(t, []int{600, 500}, []int{w, h})
	assert.True(t, OrientationTranspose.Transposed())
	assert.False(t, OrientationFlipVertical.Transposed())
	assert.True(t, ExifOrientation(0).IsIdentity())
}

// marked returns a 3x2 image with one red pixel at (0,0).
func marked() *bitmap.Bitmap {
	b := bitmap.New(3, 2, bitmap.FormatNRGBA)
	b.Image().Set(0, 0, color.NRGBA{R: 255, A: 255})
	return b
}

func redAt(b *bitmap.Bitmap) image.Point {
	img := b.Image()
	for y := 0; y < b.Height; y++ {
		for x := 0; x < b.Width; x++ {
			if r, _, _, _ := img.At(x, y).RGBA(); r > 0 {
				return image.Pt(x, y)
			}
		}
	}
	return image.Pt(-1, -1)
}

func TestExifOrientationApply(t *testing.T) {
	tests := []struct {
		orientation ExifOrientation
		size        image.Point
		red         image.Point
	}{
		{OrientationFlipHorizontal, image.Pt(3, 2), image.Pt(2, 0)},
		{OrientationRotate180, image.Pt(3, 2), image.Pt(2, 1)},
		{OrientationFlipVertical, image.Pt(3, 2), image.Pt(0, 1)},
		{OrientationTranspose, image.Pt(2, 3), image.Pt(0, 0)},
		{OrientationRotate90, image.Pt(2, 3), image.Pt(1, 0)},
		{OrientationTransverse, image.Pt(2, 3), image.Pt(1, 2)},
		{OrientationRotate270, image.Pt(2, 3), image.Pt(0, 2)},
	}
	for _, tt := range tests {
		out := tt.orientation.Apply(marked(), nil)
		require.NotNil(t, out)
		assert.Equal(t, tt.size, image.Pt(out.Width, out.Height), "orientation %d", tt.orientation)
		assert.Equal(t, tt.red, redAt(out), "orientation %d", tt.orientation)

		// the marked pixel maps back to the stored origin
		back := tt.orientation.ReverseRect(image.Rectangle{Min: tt.red, Max: tt.red.Add(image.Pt(1, 1))}, 3, 2)
		assert.Equal(t, image.Rect(0, 0, 1, 1), back, "orientation %d", tt.orientation)
	}

	b := marked()
	assert.Same(t, b, OrientationNormal.Apply(b, nil))
}
