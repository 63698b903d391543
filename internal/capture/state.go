package capture

import (
	"github.com/example/cropscan/internal/analysis"
	"github.com/example/cropscan/internal/apperr"
)

// Status is the request lifecycle of a flow.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// State is a value snapshot of a flow. Size is zero when unknown.
type State struct {
	URI          string
	Base64       string
	Mime         string
	PreviewURI   string
	Size         int64
	Status       Status
	RequestError string
	UIError      *apperr.Error
	Result       *analysis.UploadResult
}

// HasSelection reports whether an image is staged for upload.
func (s State) HasSelection() bool {
	return s.URI != "" && s.Base64 != ""
}

func (s *State) clearSelection() {
	s.URI = ""
	s.Base64 = ""
	s.Mime = ""
	s.PreviewURI = ""
	s.Size = 0
}

func (s *State) resetRequest() {
	s.Status = StatusIdle
	s.RequestError = ""
	s.Result = nil
}
