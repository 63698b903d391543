package analysis

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

const (
	SourceRemote = "remote"
	SourceMock   = "mock"
)

// Selector routes uploads to the remote client when one is configured and to the mock
// otherwise.
type Selector struct {
	remote Client
	mock   Client
	logger *zap.Logger
}

// NewSelector builds a selector. A nil remote means mock mode.
func NewSelector(remote, mock Client, logger *zap.Logger) *Selector {
	return &Selector{remote: remote, mock: mock, logger: logger.Named("analysis_selector")}
}

// Source reports which backend the next upload will use.
func (s *Selector) Source() string {
	if s.remote != nil {
		return SourceRemote
	}
	return SourceMock
}

// MockMode reports whether uploads are served by the mock client.
func (s *Selector) MockMode() bool {
	return s.remote == nil
}

// Upload implements Client.
func (s *Selector) Upload(ctx context.Context, base64, mime string) (*UploadResult, error) {
	client := s.remote
	if client == nil {
		client = s.mock
	}
	if client == nil {
		return nil, errors.New("analysis: no client configured")
	}
	s.logger.Debug("dispatching upload", zap.String("source", s.Source()), zap.Int("payload_chars", len(base64)))
	return client.Upload(ctx, base64, mime)
}
