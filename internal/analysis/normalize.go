package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/example/cropscan/internal/imageutil"
)

// fieldAliases maps each canonical field to the keys the remote side may use for it,
// in lookup order. The first present, non-null key wins.
var fieldAliases = map[string][]string{
	"exitoso":              {"exitoso", "success"},
	"mensaje":              {"mensaje", "message"},
	"id":                   {"id"},
	"clasificacion":        {"clasificacion", "classification"},
	"segmentacion":         {"segmentacion", "segmentation"},
	"prediction":           {"prediction", "label"},
	"score":                {"score", "confidence"},
	"extra":                {"extra"},
	"classIndex":           {"class_index", "classIndex"},
	"rawOutput":            {"raw_output", "rawOutput"},
	"tiempoMs":             {"tiempo_ms", "tiempoMs"},
	"error":                {"error"},
	"numMasks":             {"num_masks", "numMasks"},
	"segmentedImageBase64": {"segmented_image_base64", "segmentedImageBase64"},
	"success":              {"success"},
}

// NormalizeJSON decodes a response body and normalizes it. See Normalize.
func NormalizeJSON(body []byte, base64, mime string) (*UploadResult, error) {
	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("decode analysis response: %w", err)
	}
	if data == nil {
		return nil, errors.New("decode analysis response: expected a JSON object")
	}
	return Normalize(data, base64, mime), nil
}

// Normalize turns a loosely typed response into the canonical result. Missing numbers
// become 0, missing arrays empty, missing strings "", and the score is clamped to [0,1].
// The preview always embeds the submitted image, whatever the response contains.
func Normalize(data map[string]any, base64, mime string) *UploadResult {
	if mime == "" {
		mime = imageutil.MimeJPEG
	}

	classification, hasClassification := object(data, "clasificacion")
	if !hasClassification {
		// legacy {id, label, confidence} responses carry the label at the top level
		classification = data
	}
	extra, _ := object(classification, "extra")
	segmentation, _ := object(data, "segmentacion")

	success := truthy(field(data, "exitoso"))
	if !hasClassification && field(data, "exitoso") == nil {
		success = str(field(data, "prediction")) != ""
	}

	result := &UploadResult{
		ID:      str(field(data, "id")),
		Success: success,
		Message: str(field(data, "mensaje")),
		Classification: Classification{
			Prediction: str(field(classification, "prediction")),
			Score:      clamp01(number(field(classification, "score"))),
			Extra: ClassificationExtra{
				ClassIndex: int(number(field(extra, "classIndex"))),
				RawOutput:  numbers(field(extra, "rawOutput")),
				ElapsedMs:  number(field(extra, "tiempoMs")),
			},
		},
		Segmentation: Segmentation{
			Error:                optionalStr(field(segmentation, "error")),
			NumMasks:             int(number(field(segmentation, "numMasks"))),
			SegmentedImageBase64: onlyString(field(segmentation, "segmentedImageBase64")),
			Success:              truthy(field(segmentation, "success")),
		},
		PreviewURI: imageutil.DataURI(mime, base64),
	}
	return result
}

func field(data map[string]any, canonical string) any {
	if data == nil {
		return nil
	}
	keys, ok := fieldAliases[canonical]
	if !ok {
		keys = []string{canonical}
	}
	for _, key := range keys {
		if value, ok := data[key]; ok && value != nil {
			return value
		}
	}
	return nil
}

func object(data map[string]any, canonical string) (map[string]any, bool) {
	value, ok := field(data, canonical).(map[string]any)
	return value, ok
}

func number(value any) float64 {
	var n float64
	switch v := value.(type) {
	case float64:
		n = v
	case float32:
		n = float64(v)
	case int:
		n = float64(v)
	case int64:
		n = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0
		}
		n = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0
		}
		n = parsed
	case bool:
		if v {
			n = 1
		}
	default:
		return 0
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0
	}
	return n
}

func numbers(value any) []float64 {
	items, ok := value.([]any)
	if !ok {
		return []float64{}
	}
	out := make([]float64, 0, len(items))
	for _, item := range items {
		out = append(out, number(item))
	}
	return out
}

func str(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64, bool, json.Number:
		return fmt.Sprint(v)
	default:
		return ""
	}
}

func onlyString(value any) string {
	s, _ := value.(string)
	return s
}

func optionalStr(value any) *string {
	if value == nil {
		return nil
	}
	s := str(value)
	if s == "" {
		return nil
	}
	return &s
}

func truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case float64:
		return v != 0 && !math.IsNaN(v)
	default:
		return true
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
