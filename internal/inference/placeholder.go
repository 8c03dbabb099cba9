package inference

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"math/rand/v2"
	"time"

	"camrelay/internal/pipeline"
)

const PlaceholderVersion = "placeholder-v1"

var placeholderClasses = []string{
	"person", "bicycle", "car", "motorcycle", "airplane",
	"bus", "train", "truck", "boat", "traffic light",
	"fire hydrant", "stop sign", "parking meter", "bench", "bird",
	"cat", "dog", "horse", "sheep", "cow",
}

// Placeholder is an in-process stand-in model. Detections are derived from
// the frame sequence number so the same frame always yields the same boxes.
type Placeholder struct {
	Delay         time.Duration // simulated inference time (default 15ms, negative disables)
	ConfThreshold float32       // default 0.5
	Masks         bool          // also emit segmentation masks
}

func (p *Placeholder) Name() string { return "placeholder" }

func (p *Placeholder) Check(context.Context) error { return nil }

func (p *Placeholder) Close() error { return nil }

func (p *Placeholder) Infer(ctx context.Context, frame pipeline.Frame) (*pipeline.InferenceResult, error) {
	delay := p.Delay
	if delay == 0 {
		delay = 15 * time.Millisecond
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	threshold := p.ConfThreshold
	if threshold <= 0 {
		threshold = 0.5
	}

	rng := rand.New(rand.NewPCG(frame.Seq, 0x9e3779b97f4a7c15))
	n := rng.IntN(4)
	result := &pipeline.InferenceResult{
		Timestamp:    time.Now().UTC(),
		Detections:   make([]pipeline.Detection, 0, n),
		ModelVersion: PlaceholderVersion,
	}
	for i := 0; i < n; i++ {
		box := pipeline.BBox{
			X:      uniform(rng, 0.1, 0.6),
			Y:      uniform(rng, 0.1, 0.6),
			Width:  uniform(rng, 0.1, 0.3),
			Height: uniform(rng, 0.1, 0.3),
		}
		conf := uniform(rng, 0.6, 0.95)
		class := rng.IntN(len(placeholderClasses))
		if conf < threshold {
			continue
		}
		result.Detections = append(result.Detections, pipeline.Detection{
			BBox:       box,
			Confidence: conf,
			ClassID:    class,
			ClassName:  placeholderClasses[class],
		})
		if p.Masks {
			result.Masks = append(result.Masks, ellipseMask(box, conf, frame.Width, frame.Height))
		}
	}
	return result, nil
}

func uniform(rng *rand.Rand, lo, hi float32) float32 {
	return lo + rng.Float32()*(hi-lo)
}

// ellipseMask renders a filled ellipse inscribed in box as a PNG mask.
func ellipseMask(box pipeline.BBox, conf float32, width, height int) pipeline.Mask {
	if width <= 0 || height <= 0 {
		width, height = 640, 480
	}
	mw := max(1, int(box.Width*float32(width)))
	mh := max(1, int(box.Height*float32(height)))

	img := image.NewGray(image.Rect(0, 0, mw, mh))
	cx, cy := float64(mw)/2, float64(mh)/2
	area := 0
	for y := 0; y < mh; y++ {
		for x := 0; x < mw; x++ {
			dx := (float64(x) + 0.5 - cx) / cx
			dy := (float64(y) + 0.5 - cy) / cy
			if dx*dx+dy*dy <= 1 {
				img.SetGray(x, y, color.Gray{Y: 255})
				area++
			}
		}
	}

	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return pipeline.Mask{
		Data:       buf.Bytes(),
		Width:      mw,
		Height:     mh,
		Confidence: conf,
		BBox:       box,
		Area:       area,
	}
}
