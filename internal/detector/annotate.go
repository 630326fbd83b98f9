package detector

import (
	"fmt"
	"image"
	"image/color"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/tendant/simple-detection-pipeline/pkg/pipeline"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// DefaultBoxColor is used for labels without an override
var DefaultBoxColor = color.NRGBA{R: 0, G: 255, B: 0, A: 255}

const boxThickness = 2

// Annotate draws a box and a "label:confidence" caption for each detection
// on a copy of img. Labels found in colors use that color.
func Annotate(img image.Image, dets []Detection, colors pipeline.ColorMap) *image.NRGBA {
	out := imaging.Clone(img)
	for _, d := range dets {
		c := colorFor(d.Label, colors)
		box := d.Box.Intersect(out.Bounds())
		if box.Empty() {
			continue
		}
		drawRect(out, box, c)
		drawLabel(out, caption(d), box.Min.X, box.Min.Y, c)
	}
	return out
}

func caption(d Detection) string {
	name := d.Label
	if name == "" {
		name = strconv.Itoa(d.ClassID)
	}
	return fmt.Sprintf("%s:%.2f", name, d.Confidence)
}

func colorFor(label string, colors pipeline.ColorMap) color.NRGBA {
	if hex, ok := colors[label]; ok {
		if c, err := ParseHexColor(hex); err == nil {
			return c
		}
	}
	return DefaultBoxColor
}

// ParseHexColor parses "#rrggbb"
func ParseHexColor(s string) (color.NRGBA, error) {
	s = strings.TrimPrefix(s, "#")
	if len(s) != 6 {
		return color.NRGBA{}, fmt.Errorf("invalid color %q", s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("invalid color %q: %w", s, err)
	}
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, nil
}

func drawRect(img *image.NRGBA, r image.Rectangle, c color.NRGBA) {
	for t := 0; t < boxThickness; t++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetNRGBA(x, r.Min.Y+t, c)
			img.SetNRGBA(x, r.Max.Y-1-t, c)
		}
		for y := r.Min.Y; y < r.Max.Y; y++ {
			img.SetNRGBA(r.Min.X+t, y, c)
			img.SetNRGBA(r.Max.X-1-t, y, c)
		}
	}
}

// drawLabel writes text just above (x, y), clamped into the image
func drawLabel(img *image.NRGBA, text string, x, y int, c color.NRGBA) {
	face := basicfont.Face7x13
	baseline := y - 4
	if baseline < face.Ascent {
		baseline = face.Ascent
	}
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, baseline),
	}
	d.DrawString(text)
}
