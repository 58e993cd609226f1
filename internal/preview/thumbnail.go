package preview

import (
	"bytes"
	"image"

	"github.com/disintegration/imaging"

	"github.com/wuchris-ch/fundus-dx-ml/internal/diagnosis"
)

// DefaultMaxDimension bounds the longest side of a generated thumbnail.
const DefaultMaxDimension = 512

// MaxDecodePixels is the largest declared image area Render will decode.
// Bigger images are passed through untouched.
const MaxDecodePixels = 40_000_000

// Render produces the preview for a candidate. Bytes that decode as an image
// become a JPEG thumbnail no larger than maxDimension on either side; anything
// else is kept verbatim so the picker's "accept everything" rule still yields
// a preview.
func Render(candidate *diagnosis.ImageCandidate, maxDimension int) *Preview {
	if maxDimension <= 0 {
		maxDimension = DefaultMaxDimension
	}

	if withinDecodeBudget(candidate.Bytes) {
		img, err := imaging.Decode(bytes.NewReader(candidate.Bytes), imaging.AutoOrientation(true))
		if err == nil {
			bounds := img.Bounds()
			if bounds.Dx() > maxDimension || bounds.Dy() > maxDimension {
				img = imaging.Fit(img, maxDimension, maxDimension, imaging.Lanczos)
			}
			var buf bytes.Buffer
			if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err == nil {
				return &Preview{ContentType: "image/jpeg", Data: buf.Bytes()}
			}
		}
	}

	contentType := candidate.MIMEType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	data := make([]byte, len(candidate.Bytes))
	copy(data, candidate.Bytes)
	return &Preview{ContentType: contentType, Data: data}
}

// withinDecodeBudget reads only the image header. Unknown formats and
// oversized images report false.
func withinDecodeBudget(data []byte) bool {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil || cfg.Width <= 0 || cfg.Height <= 0 {
		return false
	}
	return int64(cfg.Width)*int64(cfg.Height) <= MaxDecodePixels
}
