package model

import (
	"context"
	"fmt"
	"image"
	"math"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	xdraw "golang.org/x/image/draw"

	"github.com/technosupport/ts-fts/internal/config"
)

// Detector network geometry (UltraFace RFB-320 layout): scores [1,N,2] and
// boxes [1,N,4] with corner coordinates normalized to [0,1].
const (
	detInputWidth  = 320
	detInputHeight = 240

	embInputSize = 112
)

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

func initRuntime(libPath string) error {
	ortInitOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// newONNXEngines loads both networks through onnxruntime. The returned
// closer destroys the sessions; the runtime environment stays up for the
// process lifetime.
func newONNXEngines(cfg config.ModelsConfig) (Detector, Embedder, func(), error) {
	if err := initRuntime(cfg.RuntimeLib); err != nil {
		return nil, nil, nil, fmt.Errorf("onnxruntime init: %v", err)
	}

	detSession, err := ort.NewDynamicAdvancedSession(cfg.DetectorPath,
		[]string{"input"}, []string{"scores", "boxes"}, nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("detector %s: %v", cfg.DetectorPath, err)
	}

	embSession, err := ort.NewDynamicAdvancedSession(cfg.EmbedderPath,
		[]string{"input"}, []string{"embedding"}, nil)
	if err != nil {
		detSession.Destroy()
		return nil, nil, nil, fmt.Errorf("embedder %s: %v", cfg.EmbedderPath, err)
	}

	det := &onnxDetector{session: detSession}
	emb := &onnxEmbedder{session: embSession, dim: cfg.EmbeddingDim}
	closer := func() {
		detSession.Destroy()
		embSession.Destroy()
	}
	return det, emb, closer, nil
}

type onnxDetector struct {
	session *ort.DynamicAdvancedSession
}

func (d *onnxDetector) Detect(ctx context.Context, img image.Image) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	input := toCHWTensor(img, detInputWidth, detInputHeight)
	inputTensor, err := ort.NewTensor(ort.NewShape(1, 3, detInputHeight, detInputWidth), input)
	if err != nil {
		return nil, err
	}
	defer inputTensor.Destroy()

	outputs := []ort.Value{nil, nil}
	if err := d.session.Run([]ort.Value{inputTensor}, outputs); err != nil {
		return nil, err
	}
	scoresT := outputs[0].(*ort.Tensor[float32])
	boxesT := outputs[1].(*ort.Tensor[float32])
	defer scoresT.Destroy()
	defer boxesT.Destroy()

	scores := scoresT.GetData()
	boxes := boxesT.GetData()
	n := len(scores) / 2

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	var raw []Detection
	for i := 0; i < n; i++ {
		conf := float64(scores[i*2+1])
		if conf < 0.1 {
			continue
		}
		x1 := float64(boxes[i*4+0]) * float64(w)
		y1 := float64(boxes[i*4+1]) * float64(h)
		x2 := float64(boxes[i*4+2]) * float64(w)
		y2 := float64(boxes[i*4+3]) * float64(h)
		raw = append(raw, Detection{
			X: int(x1), Y: int(y1),
			W: int(x2 - x1), H: int(y2 - y1),
			Confidence: conf,
		})
	}
	return nonMaxSuppress(raw, 0.4), nil
}

type onnxEmbedder struct {
	session *ort.DynamicAdvancedSession
	dim     int
}

func (e *onnxEmbedder) Embed(ctx context.Context, img image.Image, boxes []Detection) ([][]float32, error) {
	out := make([][]float32, 0, len(boxes))
	for _, box := range boxes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		crop := cropBox(img, box)
		input := toCHWTensor(crop, embInputSize, embInputSize)
		inputTensor, err := ort.NewTensor(ort.NewShape(1, 3, embInputSize, embInputSize), input)
		if err != nil {
			return nil, err
		}

		outputs := []ort.Value{nil}
		if err := e.session.Run([]ort.Value{inputTensor}, outputs); err != nil {
			inputTensor.Destroy()
			return nil, err
		}
		embT := outputs[0].(*ort.Tensor[float32])
		vec := embT.GetData()
		if len(vec) != e.dim {
			embT.Destroy()
			inputTensor.Destroy()
			return nil, fmt.Errorf("embedder produced %d values, expected %d", len(vec), e.dim)
		}
		out = append(out, append([]float32(nil), vec...))
		embT.Destroy()
		inputTensor.Destroy()
	}
	return out, nil
}

// toCHWTensor resizes to the network input and converts to planar CHW float32
// with the (p-127)/128 normalization both networks were trained with.
func toCHWTensor(img image.Image, width, height int) []float32 {
	resized := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.ApproxBiLinear.Scale(resized, resized.Bounds(), img, img.Bounds(), xdraw.Src, nil)

	out := make([]float32, 3*width*height)
	plane := width * height
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := resized.RGBAAt(x, y)
			i := y*width + x
			out[0*plane+i] = (float32(c.R) - 127) / 128
			out[1*plane+i] = (float32(c.G) - 127) / 128
			out[2*plane+i] = (float32(c.B) - 127) / 128
		}
	}
	return out
}

// cropBox extracts the detection rectangle, clamped to the frame, with a
// small margin so the aligner sees the full face.
func cropBox(img image.Image, box Detection) image.Image {
	bounds := img.Bounds()
	margin := box.W / 8

	x0 := clamp(box.X-margin, bounds.Min.X, bounds.Max.X)
	y0 := clamp(box.Y-margin, bounds.Min.Y, bounds.Max.Y)
	x1 := clamp(box.X+box.W+margin, bounds.Min.X, bounds.Max.X)
	y1 := clamp(box.Y+box.H+margin, bounds.Min.Y, bounds.Max.Y)
	if x1 <= x0 || y1 <= y0 {
		return img
	}

	crop := image.NewRGBA(image.Rect(0, 0, x1-x0, y1-y0))
	xdraw.Copy(crop, image.Point{}, img, image.Rect(x0, y0, x1, y1), xdraw.Src, nil)
	return crop
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

// nonMaxSuppress keeps the highest-confidence box from each overlapping
// cluster.
func nonMaxSuppress(dets []Detection, iouLimit float64) []Detection {
	if len(dets) <= 1 {
		return dets
	}
	// Insertion sort by confidence descending; candidate sets are tiny.
	for i := 1; i < len(dets); i++ {
		for j := i; j > 0 && dets[j].Confidence > dets[j-1].Confidence; j-- {
			dets[j], dets[j-1] = dets[j-1], dets[j]
		}
	}

	var kept []Detection
	for _, d := range dets {
		overlaps := false
		for _, k := range kept {
			if boxIoU(d, k) > iouLimit {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, d)
		}
	}
	return kept
}

func boxIoU(a, b Detection) float64 {
	ax1, ay1, ax2, ay2 := float64(a.X), float64(a.Y), float64(a.X+a.W), float64(a.Y+a.H)
	bx1, by1, bx2, by2 := float64(b.X), float64(b.Y), float64(b.X+b.W), float64(b.Y+b.H)

	ix := math.Max(0, math.Min(ax2, bx2)-math.Max(ax1, bx1))
	iy := math.Max(0, math.Min(ay2, by2)-math.Max(ay1, by1))
	inter := ix * iy
	if inter == 0 {
		return 0
	}
	union := (ax2-ax1)*(ay2-ay1) + (bx2-bx1)*(by2-by1) - inter
	return inter / union
}
