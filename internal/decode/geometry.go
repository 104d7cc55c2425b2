package decode

import (
	"image"
	"math"

	"pixelflow/internal/request"
)

// CalculateSampledSize is the size a full decode at sampleSize produces.
// The png decoder rounds down, the others round up.
func CalculateSampledSize(width, height, sampleSize int, mimeType string) (int, int) {
	if sampleSize <= 1 {
		return width, height
	}
	if mimeType == "image/png" {
		return width / sampleSize, height / sampleSize
	}
	return ceilDiv(width, sampleSize), ceilDiv(height, sampleSize)
}

// CalculateSampledSizeForRegion is the size a region decode at sampleSize
// produces; region decoders always round down.
func CalculateSampledSizeForRegion(width, height, sampleSize int) (int, int) {
	if sampleSize <= 1 {
		return width, height
	}
	return width / sampleSize, height / sampleSize
}

// CalculateSampleSize returns the smallest power of two whose sampled size
// fits within the target. A zero target dimension is unbounded.
func CalculateSampleSize(width, height, targetWidth, targetHeight int, mimeType string, region bool) int {
	if width <= 0 || height <= 0 || (targetWidth <= 0 && targetHeight <= 0) {
		return 1
	}
	sampleSize := 1
	for {
		var sw, sh int
		if region {
			sw, sh = CalculateSampledSizeForRegion(width, height, sampleSize)
		} else {
			sw, sh = CalculateSampledSize(width, height, sampleSize, mimeType)
		}
		fits := (targetWidth <= 0 || sw <= targetWidth) && (targetHeight <= 0 || sh <= targetHeight)
		if fits || (sw <= 1 && sh <= 1) {
			return sampleSize
		}
		sampleSize *= 2
	}
}

// ScaleTargetSize keeps the target aspect ratio but shrinks it into the image
// when the target exceeds the image in either dimension.
func ScaleTargetSize(imageWidth, imageHeight, targetWidth, targetHeight int) (int, int) {
	if targetWidth <= imageWidth && targetHeight <= imageHeight {
		return targetWidth, targetHeight
	}
	scale := math.Max(float64(targetWidth)/float64(imageWidth), float64(targetHeight)/float64(imageHeight))
	return max(1, int(math.Round(float64(targetWidth)/scale))), max(1, int(math.Round(float64(targetHeight)/scale)))
}

// fitInside is the largest size within the target that keeps the image
// aspect ratio, never upscaling.
func fitInside(imageWidth, imageHeight, targetWidth, targetHeight int) (int, int) {
	if imageWidth <= targetWidth && imageHeight <= targetHeight {
		return imageWidth, imageHeight
	}
	scale := math.Min(float64(targetWidth)/float64(imageWidth), float64(targetHeight)/float64(imageHeight))
	return max(1, int(math.Round(float64(imageWidth)*scale))), max(1, int(math.Round(float64(imageHeight)*scale)))
}

// ResizeMapping maps part of an image onto an output of NewSize.
type ResizeMapping struct {
	SrcRect  image.Rectangle
	DestRect image.Rectangle
	NewSize  request.Size
}

// CalculateResizeMapping computes the output size and the source crop for
// resizing an image to a target under precision and scale.
func CalculateResizeMapping(imageWidth, imageHeight, targetWidth, targetHeight int, precision request.Precision, scale request.Scale) ResizeMapping {
	var nw, nh int
	switch precision {
	case request.Exactly:
		nw, nh = targetWidth, targetHeight
	case request.SameAspectRatio:
		nw, nh = ScaleTargetSize(imageWidth, imageHeight, targetWidth, targetHeight)
	default:
		nw, nh = fitInside(imageWidth, imageHeight, targetWidth, targetHeight)
	}

	src := image.Rect(0, 0, imageWidth, imageHeight)
	if precision != request.LessPixels && scale != request.Fill {
		src = cropRect(imageWidth, imageHeight, nw, nh, scale)
	}
	return ResizeMapping{
		SrcRect:  src,
		DestRect: image.Rect(0, 0, nw, nh),
		NewSize:  request.Size{Width: nw, Height: nh},
	}
}

// cropRect is the largest rectangle of the image with the aspect ratio of
// width x height, placed by the anchor.
func cropRect(imageWidth, imageHeight, width, height int, scale request.Scale) image.Rectangle {
	var sw, sh int
	if int64(width)*int64(imageHeight) >= int64(height)*int64(imageWidth) {
		sw = imageWidth
		sh = int(int64(height) * int64(imageWidth) / int64(width))
	} else {
		sh = imageHeight
		sw = int(int64(width) * int64(imageHeight) / int64(height))
	}
	sw = min(max(sw, 1), imageWidth)
	sh = min(max(sh, 1), imageHeight)

	var x, y int
	switch scale {
	case request.StartCrop:
	case request.EndCrop:
		x, y = imageWidth-sw, imageHeight-sh
	default:
		x, y = (imageWidth-sw)/2, (imageHeight-sh)/2
	}
	return image.Rect(x, y, x+sw, y+sh)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
