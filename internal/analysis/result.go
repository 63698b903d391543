package analysis

import (
	"context"
	"fmt"
)

// ClassificationExtra carries model diagnostics returned alongside the label.
type ClassificationExtra struct {
	ClassIndex int       `json:"classIndex"`
	RawOutput  []float64 `json:"rawOutput"`
	ElapsedMs  float64   `json:"tiempoMs"`
}

// Classification is the predicted label and its confidence in [0,1].
type Classification struct {
	Prediction string              `json:"prediction"`
	Score      float64             `json:"score"`
	Extra      ClassificationExtra `json:"extra"`
}

// Segmentation describes the mask output of the analysis service.
type Segmentation struct {
	Error                *string `json:"error"`
	NumMasks             int     `json:"numMasks"`
	SegmentedImageBase64 string  `json:"segmentedImageBase64"`
	Success              bool    `json:"success"`
}

// UploadResult is the canonical outcome of an analysis request.
type UploadResult struct {
	ID             string         `json:"id,omitempty"`
	Success        bool           `json:"exitoso"`
	Message        string         `json:"mensaje"`
	Classification Classification `json:"clasificacion"`
	Segmentation   Segmentation   `json:"segmentacion"`
	PreviewURI     string         `json:"previewUri,omitempty"`
}

// ConfidencePercent formats the score the way the result view shows it.
func (r *UploadResult) ConfidencePercent() string {
	if r == nil {
		return "0.0%"
	}
	return fmt.Sprintf("%.1f%%", r.Classification.Score*100)
}

// Client submits a base64 encoded image for analysis.
type Client interface {
	Upload(ctx context.Context, base64, mime string) (*UploadResult, error)
}
