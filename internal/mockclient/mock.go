package mockclient

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/cropscan/internal/analysis"
	"github.com/example/cropscan/internal/imageutil"
)

// TransparentPNG is a 1x1 transparent PNG used as the placeholder segmentation output.
const TransparentPNG = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mP8/x8AAoMBgQK9cUQAAAAASUVORK5CYII="

// Labels are the predictions the mock picks from.
var Labels = []string{"Harvest Stage", "Growth Stage", "Unknown"}

// Client fabricates analysis results after a fixed delay. It never looks at the image.
type Client struct {
	delay  time.Duration
	logger *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// New returns a mock client. A nil rng seeds one from the clock.
func New(delay time.Duration, rng *rand.Rand, logger *zap.Logger) *Client {
	if rng == nil {
		now := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(now, now>>1))
	}
	return &Client{delay: delay, rng: rng, logger: logger.Named("analysis_mock_client")}
}

// Upload implements analysis.Client.
func (c *Client) Upload(ctx context.Context, b64, mime string) (*analysis.UploadResult, error) {
	if c.delay > 0 {
		timer := time.NewTimer(c.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if mime == "" {
		mime = imageutil.MimeJPEG
	}

	c.mu.Lock()
	prediction := Labels[c.rng.IntN(len(Labels))]
	score := 0.8 + c.rng.Float64()*0.2
	elapsed := 100 + c.rng.IntN(50)
	c.mu.Unlock()

	c.logger.Debug("fabricated analysis result", zap.String("prediction", prediction), zap.Float64("score", score))
	return &analysis.UploadResult{
		Success: true,
		Message: "Imagen procesada correctamente",
		Classification: analysis.Classification{
			Prediction: prediction,
			Score:      score,
			Extra: analysis.ClassificationExtra{
				ClassIndex: 0,
				RawOutput:  []float64{score, 1 - score, 0},
				ElapsedMs:  float64(elapsed),
			},
		},
		Segmentation: analysis.Segmentation{
			NumMasks:             1,
			SegmentedImageBase64: TransparentPNG,
			Success:              true,
		},
		PreviewURI: imageutil.DataURI(mime, b64),
	}, nil
}
