package plot

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"

	"cnn-backend/internal/core/cnn"

	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
	"golang.org/x/image/draw"
)

const (
	HistoryTitle = "Training and Validation Performance"

	chartWidth  = 600
	chartHeight = 400
	titleHeight = 32
)

var (
	lossColor        = drawing.Color{R: 31, G: 119, B: 180, A: 255}
	valLossColor     = drawing.Color{R: 255, G: 127, B: 14, A: 255}
	accuracyColor    = drawing.Color{R: 0, G: 128, B: 0, A: 255}
	valAccuracyColor = drawing.Color{R: 255, G: 0, B: 0, A: 255}

	dashed = []float64{6, 4}
)

type line struct {
	name   string
	values []float64
	style  chart.Style
}

func epochAxis(n int) []float64 {
	xs := make([]float64, n)
	for i := range xs {
		xs[i] = float64(i + 1)
	}
	return xs
}

// valueRange pads the range so that flat series (for example a constant
// accuracy) still render.
func valueRange(lines []line) *chart.ContinuousRange {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, l := range lines {
		for _, v := range l.values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}
	if math.IsInf(lo, 1) {
		return &chart.ContinuousRange{Min: 0, Max: 1}
	}
	pad := (hi - lo) * 0.05
	if pad < 1e-6 {
		pad = 0.5
	}
	return &chart.ContinuousRange{Min: lo - pad, Max: hi + pad}
}

func renderLines(title string, lines []line) (image.Image, error) {
	var epochs int
	for _, l := range lines {
		epochs = max(epochs, len(l.values))
	}

	series := make([]chart.Series, 0, len(lines))
	for _, l := range lines {
		series = append(series, chart.ContinuousSeries{
			Name:    l.name,
			XValues: epochAxis(len(l.values)),
			YValues: l.values,
			Style:   l.style,
		})
	}

	ch := chart.Chart{
		Title:      title,
		Width:      chartWidth,
		Height:     chartHeight,
		Background: chart.Style{Padding: chart.Box{Top: 40, Left: 16, Right: 16, Bottom: 16}},
		XAxis:      chart.XAxis{Name: "Epoch", Range: &chart.ContinuousRange{Min: 1, Max: float64(max(epochs, 2))}},
		YAxis:      chart.YAxis{Name: title, Range: valueRange(lines)},
		Series:     series,
	}
	ch.Elements = []chart.Renderable{chart.Legend(&ch)}

	var buf bytes.Buffer
	if err := ch.Render(chart.PNG, &buf); err != nil {
		return nil, fmt.Errorf("error rendering %s chart: %w", title, err)
	}
	img, err := png.Decode(&buf)
	if err != nil {
		return nil, fmt.Errorf("error decoding %s chart: %w", title, err)
	}
	return img, nil
}

// RenderHistory writes a PNG with the loss curves on the left and the
// accuracy curves on the right.
func RenderHistory(w io.Writer, history *cnn.History) error {
	if history == nil || history.Epochs() == 0 {
		return fmt.Errorf("history has no epochs to plot")
	}

	loss, err := renderLines("Loss", []line{
		{name: "Training Loss", values: history.Loss, style: chart.Style{StrokeColor: lossColor, StrokeWidth: 2}},
		{name: "Validation Loss", values: history.ValLoss, style: chart.Style{StrokeColor: valLossColor, StrokeWidth: 2}},
	})
	if err != nil {
		return err
	}

	accuracy, err := renderLines("Accuracy", []line{
		{name: "Training Accuracy", values: history.Accuracy, style: chart.Style{StrokeColor: accuracyColor, StrokeWidth: 2, StrokeDashArray: dashed}},
		{name: "Validation Accuracy", values: history.ValAccuracy, style: chart.Style{StrokeColor: valAccuracyColor, StrokeWidth: 2, StrokeDashArray: dashed}},
	})
	if err != nil {
		return err
	}

	canvas := image.NewRGBA(image.Rect(0, 0, 2*chartWidth, chartHeight+titleHeight))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	drawCentered(canvas, HistoryTitle, canvas.Bounds().Dx()/2, titleHeight-10)
	draw.Draw(canvas, image.Rect(0, titleHeight, chartWidth, titleHeight+chartHeight), loss, loss.Bounds().Min, draw.Src)
	draw.Draw(canvas, image.Rect(chartWidth, titleHeight, 2*chartWidth, titleHeight+chartHeight), accuracy, accuracy.Bounds().Min, draw.Src)

	if err := png.Encode(w, canvas); err != nil {
		return fmt.Errorf("error encoding history plot: %w", err)
	}
	return nil
}
