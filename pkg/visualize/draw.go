// Package visualize renders annotated images: bounding box outlines plus a
// label and confidence tag per annotation, with a stable color per label.
package visualize

import (
	"fmt"
	"hash/fnv"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/tmarkov/annotator/pkg/annotation"
	"github.com/tmarkov/annotator/pkg/types"
)

// DefaultStroke is the outline thickness in pixels.
const DefaultStroke = 3

// palette holds visually distinct colors; a label always maps to the same
// entry regardless of annotation order.
var palette = []color.NRGBA{
	{230, 57, 70, 255},
	{29, 53, 87, 255},
	{42, 157, 143, 255},
	{233, 196, 106, 255},
	{244, 162, 97, 255},
	{38, 70, 83, 255},
	{144, 190, 109, 255},
	{157, 78, 221, 255},
	{0, 119, 182, 255},
	{214, 40, 40, 255},
}

// LabelColor returns the palette color assigned to a label.
func LabelColor(label string) color.NRGBA {
	h := fnv.New32a()
	h.Write([]byte(label))
	return palette[h.Sum32()%uint32(len(palette))]
}

// Render draws the annotations onto a copy of img. The original image is
// never modified.
func Render(img image.Image, annotations []annotation.Annotation) *image.NRGBA {
	return RenderStroke(img, annotations, DefaultStroke)
}

// RenderStroke is Render with an explicit outline thickness.
func RenderStroke(img image.Image, annotations []annotation.Annotation, stroke int) *image.NRGBA {
	if stroke < 1 {
		stroke = 1
	}
	canvas := imaging.Clone(img)
	w := canvas.Bounds().Dx()
	h := canvas.Bounds().Dy()

	for _, ann := range annotations {
		c := LabelColor(ann.Label)
		x0, y0, x1, y1 := boxToPixels(ann.Box, w, h)
		drawBox(canvas, x0, y0, x1, y1, c, stroke)
		drawTag(canvas, x0, y0, tagText(ann), c)
	}
	return canvas
}

func tagText(ann annotation.Annotation) string {
	if ann.Source == annotation.SourceManual {
		return ann.Label
	}
	return fmt.Sprintf("%s %.2f", ann.Label, ann.Score)
}

func boxToPixels(box types.Box, w, h int) (int, int, int, int) {
	clamped := box.Clamp(w, h)
	x0 := int(clamped.X1 + 0.5)
	y0 := int(clamped.Y1 + 0.5)
	x1 := int(clamped.X2 + 0.5)
	y1 := int(clamped.Y2 + 0.5)
	if x1 <= x0 {
		x1 = x0 + 1
	}
	if y1 <= y0 {
		y1 = y0 + 1
	}
	return x0, y0, x1, y1
}

func drawBox(img *image.NRGBA, x0, y0, x1, y1 int, c color.NRGBA, stroke int) {
	for s := 0; s < stroke; s++ {
		drawHLine(img, y0+s, x0, x1, c)
		drawHLine(img, y1-1-s, x0, x1, c)
		drawVLine(img, x0+s, y0, y1, c)
		drawVLine(img, x1-1-s, y0, y1, c)
	}
}

// drawTag paints a filled background above the box's top-left corner and
// renders the text over it in white. If the tag would leave the image it is
// drawn inside the box instead.
func drawTag(img *image.NRGBA, x, y int, text string, c color.NRGBA) {
	face := basicfont.Face7x13
	textW := font.MeasureString(face, text).Ceil()
	tagH := face.Metrics().Height.Ceil() + 4
	tagW := textW + 8

	tagY := y - tagH
	if tagY < 0 {
		tagY = y
	}
	fillRect(img, x, tagY, x+tagW, tagY+tagH, c)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.NRGBA{255, 255, 255, 255}),
		Face: face,
		Dot: fixed.Point26_6{
			X: fixed.I(x + 4),
			Y: fixed.I(tagY + tagH - 4),
		},
	}
	d.DrawString(text)
}

func fillRect(img *image.NRGBA, x0, y0, x1, y1 int, c color.NRGBA) {
	for y := y0; y < y1; y++ {
		drawHLine(img, y, x0, x1, c)
	}
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	if y < 0 || y >= img.Bounds().Dy() {
		return
	}
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	if x1 <= 0 || x0 >= img.Bounds().Dx() {
		return
	}
	if x0 < 0 {
		x0 = 0
	}
	if x1 > img.Bounds().Dx() {
		x1 = img.Bounds().Dx()
	}
	i := y*img.Stride + x0*4
	for x := x0; x < x1; x++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += 4
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	if x < 0 || x >= img.Bounds().Dx() {
		return
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	if y1 <= 0 || y0 >= img.Bounds().Dy() {
		return
	}
	if y0 < 0 {
		y0 = 0
	}
	if y1 > img.Bounds().Dy() {
		y1 = img.Bounds().Dy()
	}
	i := y0*img.Stride + x*4
	for y := y0; y < y1; y++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += img.Stride
	}
}
