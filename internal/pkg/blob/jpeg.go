package blob

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"

	"github.com/Gopher0727/Cicero/internal/pkg/errs"
)

const (
	JPEGQuality  = 75
	MaxImageSide = 500

	// MaxSourceSide bounds the declared dimensions of an upload before any
	// pixel data is decoded.
	MaxSourceSide = 8000
)

// NormalizeJPEG 解码任意受支持的图片，长边超过 maxSide 时等比缩小，
// 再以质量 75 重新编码为 JPEG。maxSide <= 0 表示不缩放。
// 声明尺寸超过 MaxSourceSide 的图片在解码像素之前即被拒绝。
func NormalizeJPEG(data []byte, maxSide int) ([]byte, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, errs.New(errs.KindInvalidArgument, "The image is empty.")
	}
	if cfg.Width > MaxSourceSide || cfg.Height > MaxSourceSide {
		return nil, errs.Newf(errs.KindInvalidArgument,
			"The image is too large. Images can be at most %dx%d pixels.", MaxSourceSide, MaxSourceSide)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if maxSide > 0 {
		img = fit(img, maxSide)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// fit 等比缩小到长边不超过 maxSide
func fit(src image.Image, maxSide int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxSide && h <= maxSide {
		return src
	}
	nw, nh := maxSide, maxSide
	if w > h {
		nh = max(1, h*maxSide/w)
	} else {
		nw = max(1, w*maxSide/h)
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}
