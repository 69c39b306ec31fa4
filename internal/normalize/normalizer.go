/**
 * Image Normalizer
 *
 * Converts a raster page into a binarized bitmap tuned for OCR. Two profiles:
 * - general: dense printed fields, plain binary output
 * - address: cramped address blocks, inverted output plus erosion to drop speckle
 */

package normalize

import (
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"

	"github.com/adverant/nexus/idextract-worker/internal/document"
	apperrors "github.com/adverant/nexus/idextract-worker/internal/errors"
)

// ProfileParams describes one adaptive-threshold tuning.
type ProfileParams struct {
	BlockSize       int  // neighbourhood size, odd
	Offset          int  // constant subtracted from the local mean
	Inverted        bool // foreground becomes white
	ErodeIterations int  // passes of the 3x2 erosion
}

var profiles = map[document.Profile]ProfileParams{
	document.ProfileGeneral: {BlockSize: 77, Offset: 17},
	document.ProfileAddress: {BlockSize: 55, Offset: 17, Inverted: true, ErodeIterations: 2},
}

// ParamsFor returns the tuning for profile.
func ParamsFor(profile document.Profile) (ProfileParams, bool) {
	p, ok := profiles[profile]
	return p, ok
}

// Normalizer binarizes pages. It holds no state and is safe for concurrent use.
type Normalizer struct{}

// NewNormalizer creates a new image normalizer
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Normalize converts page to a binarized image using the given profile.
func (n *Normalizer) Normalize(page document.RasterPage, profile document.Profile) (*document.NormalizedImage, error) {
	params, ok := ParamsFor(profile)
	if !ok {
		return nil, apperrors.NewInvalidImageError(fmt.Sprintf("unknown normalization profile %q", profile), nil)
	}
	if page.Image == nil {
		return nil, apperrors.NewInvalidImageError(fmt.Sprintf("page %d has no image", page.Number), nil)
	}
	b := page.Image.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, apperrors.NewInvalidImageError(fmt.Sprintf("page %d has zero size (%dx%d)", page.Number, b.Dx(), b.Dy()), nil)
	}

	gray := imaging.Grayscale(page.Image)
	mean := localMean(gray, params.BlockSize)

	out := threshold(gray, mean, params.Offset, params.Inverted)
	for i := 0; i < params.ErodeIterations; i++ {
		out = erode(out)
	}

	return &document.NormalizedImage{Profile: profile, Image: out}, nil
}

// localMean is the Gaussian-weighted neighbourhood mean of gray. The image is
// padded by half a block with replicated edge pixels before blurring so that
// border pixels see a full neighbourhood, as OpenCV's BORDER_REPLICATE does.
func localMean(gray *image.NRGBA, blockSize int) *image.NRGBA {
	w, h := gray.Rect.Dx(), gray.Rect.Dy()
	pad := blockSize / 2

	padded := replicatePad(gray, pad)
	blurred := imaging.Blur(padded, gaussianSigma(blockSize))
	return imaging.Crop(blurred, image.Rect(pad, pad, pad+w, pad+h))
}

// replicatePad returns src surrounded by pad pixels on every side, each copied
// from the nearest edge pixel.
func replicatePad(src *image.NRGBA, pad int) *image.NRGBA {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dst := imaging.New(w+2*pad, h+2*pad, color.NRGBA{})
	dst = imaging.Paste(dst, src, image.Pt(pad, pad))

	for y := 0; y < dst.Rect.Dy(); y++ {
		sy := clamp(y-pad, 0, h-1)
		srcRow := src.Pix[sy*src.Stride:]
		dstRow := dst.Pix[y*dst.Stride:]
		if y < pad || y >= pad+h {
			copy(dstRow[pad*4:(pad+w)*4], srcRow[:w*4])
		}
		for x := 0; x < pad; x++ {
			copy(dstRow[x*4:x*4+4], srcRow[:4])
			copy(dstRow[(pad+w+x)*4:(pad+w+x)*4+4], srcRow[(w-1)*4:w*4])
		}
	}
	return dst
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// gaussianSigma derives the Gaussian sigma from a kernel size the same way
// OpenCV does when sigma is left unspecified.
func gaussianSigma(blockSize int) float64 {
	return 0.3*(float64(blockSize-1)*0.5-1) + 0.8
}

// threshold compares each grayscale pixel to its local Gaussian mean.
// Binary: 255 where src-mean > -offset. Inverted: 255 where src-mean <= -offset.
func threshold(gray, mean *image.NRGBA, offset int, inverted bool) *image.Gray {
	w, h := gray.Rect.Dx(), gray.Rect.Dy()
	out := image.NewGray(image.Rect(0, 0, w, h))

	for y := 0; y < h; y++ {
		srcRow := gray.Pix[y*gray.Stride:]
		meanRow := mean.Pix[y*mean.Stride:]
		outRow := out.Pix[y*out.Stride:]
		for x := 0; x < w; x++ {
			diff := int(srcRow[x*4]) - int(meanRow[x*4])
			fg := diff > -offset
			if inverted {
				fg = !fg
			}
			if fg {
				outRow[x] = 255
			}
		}
	}
	return out
}

// erode applies one pass of erosion with a 3-row by 2-column structuring
// element anchored at (1,1): each output pixel is the minimum over columns
// x-1..x and rows y-1..y+1. Neighbours outside the image are ignored.
func erode(src *image.Gray) *image.Gray {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	out := image.NewGray(image.Rect(0, 0, w, h))

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			m := uint8(255)
			for dy := -1; dy <= 1; dy++ {
				yy := y + dy
				if yy < 0 || yy >= h {
					continue
				}
				for dx := -1; dx <= 0; dx++ {
					xx := x + dx
					if xx < 0 {
						continue
					}
					if v := src.Pix[yy*src.Stride+xx]; v < m {
						m = v
					}
				}
			}
			out.Pix[y*out.Stride+x] = m
		}
	}
	return out
}
