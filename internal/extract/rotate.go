package extract

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
)

// rotatePNG rewrites the rendered page image rotated clockwise by the OSD
// orientation so the text reads upright. Only quarter turns occur in
// practice; any other angle is left untouched.
func rotatePNG(path string, degrees int) error {
	degrees = ((degrees % 360) + 360) % 360
	if degrees == 0 {
		return nil
	}
	if degrees != 90 && degrees != 180 && degrees != 270 {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open render: %w", err)
	}
	src, err := png.Decode(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("decode render: %w", err)
	}

	bounds := src.Bounds()
	var dst *image.RGBA
	if degrees == 180 {
		dst = image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	} else {
		dst = image.NewRGBA(image.Rect(0, 0, bounds.Dy(), bounds.Dx()))
	}
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			px := src.At(x, y)
			relX := x - bounds.Min.X
			relY := y - bounds.Min.Y
			switch degrees {
			case 90:
				dst.Set(bounds.Dy()-1-relY, relX, px)
			case 180:
				dst.Set(bounds.Dx()-1-relX, bounds.Dy()-1-relY, px)
			case 270:
				dst.Set(relY, bounds.Dx()-1-relX, px)
			}
		}
	}

	out, err := os.CreateTemp(filepath.Dir(path), ".rotate-*.png")
	if err != nil {
		return fmt.Errorf("create rotated render: %w", err)
	}
	tmpName := out.Name()
	if err := png.Encode(out, dst); err != nil {
		out.Close()
		os.Remove(tmpName)
		return fmt.Errorf("encode rotated render: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace render: %w", err)
	}
	return nil
}
