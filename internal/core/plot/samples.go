package plot

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"

	"cnn-backend/internal/core/cnn"
	"cnn-backend/internal/core/dataset"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	GridSize = 5

	cellSize    = 128
	cellTitle   = 20
	cellPadding = 8
)

func drawCentered(dst draw.Image, text string, cx, baseline int) {
	dr := &font.Drawer{Dst: dst, Src: image.NewUniform(color.Black), Face: basicfont.Face7x13}
	width := dr.MeasureString(text).Ceil()
	dr.Dot = fixed.Point26_6{X: fixed.I(cx - width/2), Y: fixed.I(baseline)}
	dr.DrawString(text)
}

// RenderSampleGrid writes up to GridSize x GridSize images (values in
// [0, 1]) as a PNG grid, each titled with its class name.
func RenderSampleGrid(w io.Writer, images []*cnn.Tensor, labels []float64, classNames []string) error {
	if len(images) == 0 {
		return fmt.Errorf("no images to render")
	}
	if len(images) != len(labels) {
		return fmt.Errorf("got %d images but %d labels", len(images), len(labels))
	}

	n := min(len(images), GridSize*GridSize)
	cols := min(n, GridSize)
	rows := (n + GridSize - 1) / GridSize

	cellW := cellSize + cellPadding
	cellH := cellSize + cellTitle + cellPadding
	canvas := image.NewRGBA(image.Rect(0, 0, cols*cellW+cellPadding, rows*cellH+cellPadding))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	for i := 0; i < n; i++ {
		x0 := cellPadding + (i%GridSize)*cellW
		y0 := cellPadding + (i/GridSize)*cellH

		title := fmt.Sprintf("%v", labels[i])
		if idx := int(labels[i]); idx >= 0 && idx < len(classNames) {
			title = classNames[idx]
		}
		drawCentered(canvas, title, x0+cellSize/2, y0+cellTitle-6)

		img := dataset.ToImage(images[i])
		dst := image.Rect(x0, y0+cellTitle, x0+cellSize, y0+cellTitle+cellSize)
		draw.NearestNeighbor.Scale(canvas, dst, img, img.Bounds(), draw.Src, nil)
	}

	if err := png.Encode(w, canvas); err != nil {
		return fmt.Errorf("error encoding sample grid: %w", err)
	}
	return nil
}
