// Package overlay renders annotation graphics: detection boxes, identity
// labels, tripwire lines and synthesized placeholder frames.
package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	ColorKnown    = color.RGBA{0, 255, 0, 255}
	ColorUnknown  = color.RGBA{255, 165, 0, 255}
	ColorTripwire = color.RGBA{255, 0, 0, 255}
	colorText     = color.RGBA{255, 255, 255, 255}
	colorBackdrop = color.RGBA{24, 24, 24, 255}
)

// Box is one labelled rectangle to draw.
type Box struct {
	X, Y, W, H int
	Label      string
	Known      bool
}

// Line is one tripwire to draw. Horizontal lines span the width at
// Position*H; vertical lines span the height at Position*W. Thickness comes
// from the tripwire spacing so operators see the hysteresis band.
type Line struct {
	Horizontal bool
	Position   float64
	Spacing    float64
	Label      string
}

// Annotate draws boxes and lines over the decoded frame and re-encodes JPEG.
func Annotate(img image.Image, boxes []Box, lines []Line) ([]byte, error) {
	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)

	w, h := bounds.Dx(), bounds.Dy()

	for _, l := range lines {
		thickness := int(l.Spacing * float64(h))
		if !l.Horizontal {
			thickness = int(l.Spacing * float64(w))
		}
		if thickness < 2 {
			thickness = 2
		}
		if l.Horizontal {
			y := int(l.Position * float64(h))
			fillRect(rgba, 0, y-thickness/2, w, thickness, ColorTripwire)
			drawLabel(rgba, 4, y-thickness/2-4, l.Label, ColorTripwire)
		} else {
			x := int(l.Position * float64(w))
			fillRect(rgba, x-thickness/2, 0, thickness, h, ColorTripwire)
			drawLabel(rgba, x+thickness/2+2, 14, l.Label, ColorTripwire)
		}
	}

	for _, b := range boxes {
		c := ColorUnknown
		if b.Known {
			c = ColorKnown
		}
		drawBox(rgba, b.X, b.Y, b.W, b.H, c, 2)
		drawLabel(rgba, b.X, b.Y-5, b.Label, c)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rgba, &jpeg.Options{Quality: 80}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Placeholder synthesizes a frame carrying a status message, used when a
// camera has no signal or a pipeline needs to surface an error to viewers.
func Placeholder(width, height int, title, detail string) []byte {
	if width <= 0 {
		width = 640
	}
	if height <= 0 {
		height = 480
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{colorBackdrop}, image.Point{}, draw.Src)

	drawLabel(img, width/2-len(title)*7/2, height/2-10, title, colorText)
	if detail != "" {
		if len(detail) > width/7-2 {
			detail = detail[:width/7-2]
		}
		drawLabel(img, width/2-len(detail)*7/2, height/2+10, detail, colorText)
	}

	var buf bytes.Buffer
	// Encode failure cannot happen for an in-memory RGBA; ignore to keep the
	// placeholder path infallible for callers.
	jpeg.Encode(&buf, img, &jpeg.Options{Quality: 70})
	return buf.Bytes()
}

func drawBox(img *image.RGBA, x, y, w, h int, c color.RGBA, thickness int) {
	fillRect(img, x, y, w, thickness, c)
	fillRect(img, x, y+h-thickness, w, thickness, c)
	fillRect(img, x, y, thickness, h, c)
	fillRect(img, x+w-thickness, y, thickness, h, c)
}

func fillRect(img *image.RGBA, x, y, w, h int, c color.RGBA) {
	bounds := img.Bounds()
	for yy := y; yy < y+h; yy++ {
		if yy < bounds.Min.Y || yy >= bounds.Max.Y {
			continue
		}
		for xx := x; xx < x+w; xx++ {
			if xx < bounds.Min.X || xx >= bounds.Max.X {
				continue
			}
			img.SetRGBA(xx, yy, c)
		}
	}
}

func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	if label == "" {
		return
	}
	if y < 13 {
		y = 13
	}
	d := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{c},
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(label)
}

// ScoreLabel formats the standard "id (score)" box label.
func ScoreLabel(id string, score float64) string {
	if id == "" {
		return "Unknown"
	}
	return fmt.Sprintf("%s (%.2f)", id, score)
}
