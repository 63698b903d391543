package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/cropscan/internal/analysis"
	"github.com/example/cropscan/internal/apperr"
	"github.com/example/cropscan/internal/imageutil"
)

const (
	defaultTimeout  = 60 * time.Second
	maxErrorBody    = 64 << 10
	maxResponseBody = 64 << 20
)

// NewHTTPClient returns an http.Client with the given timeout; zero or negative means the default.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

type uploadRequest struct {
	ImageBase64  string `json:"imageBase64"`
	ImagenBase64 string `json:"imagenBase64"`
	Mime         string `json:"mime"`
	DataURI      string `json:"dataUri"`
}

// Client posts base64 images to the analysis service.
type Client struct {
	baseURL string
	path    string
	http    *http.Client
	logger  *zap.Logger
	maxBody int64
}

// New builds a client for baseURL+path. An empty baseURL yields a client that always fails
// with ConfigurationMissing.
func New(baseURL, path string, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(0)
	}
	if path == "" {
		path = "/procesar"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		path:    path,
		http:    httpClient,
		logger:  logger.Named("analysis_http_client"),
		maxBody: maxResponseBody,
	}
}

// Endpoint returns the full URL uploads are posted to.
func (c *Client) Endpoint() string {
	return c.baseURL + c.path
}

// Upload implements analysis.Client.
func (c *Client) Upload(ctx context.Context, b64, mime string) (*analysis.UploadResult, error) {
	if c.baseURL == "" {
		return nil, apperr.New(apperr.ConfigurationMissing, "httpclient.upload", "API_BASE_URL is not configured")
	}
	if mime == "" {
		mime = imageutil.MimeJPEG
	}

	payload, err := json.Marshal(uploadRequest{
		ImageBase64:  b64,
		ImagenBase64: b64,
		Mime:         mime,
		DataURI:      imageutil.DataURI(mime, b64),
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.NetworkFailure, "httpclient.upload", err)
	}

	endpoint := c.Endpoint()
	c.logger.Info("uploading image", zap.String("endpoint", endpoint), zap.Int("payload_chars", len(b64)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, apperr.Wrap(apperr.NetworkFailure, "httpclient.upload", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		c.logger.Warn("upload transport failure", zap.String("endpoint", endpoint), zap.Error(err))
		return nil, apperr.Wrap(apperr.NetworkFailure, "httpclient.upload", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Warn("analysis service rejected upload",
			zap.Int("status", resp.StatusCode),
			zap.Duration("elapsed", time.Since(start)))
		return nil, apperr.HTTP("httpclient.upload", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, apperr.Wrap(apperr.NetworkFailure, "httpclient.upload", err)
	}
	if int64(len(body)) > c.maxBody {
		c.logger.Warn("analysis response too large", zap.Int64("limit", c.maxBody))
		return nil, apperr.Wrap(apperr.NetworkFailure, "httpclient.upload",
			fmt.Errorf("response body exceeds %d bytes", c.maxBody))
	}
	result, err := analysis.NormalizeJSON(body, b64, mime)
	if err != nil {
		return nil, apperr.Wrap(apperr.NetworkFailure, "httpclient.upload", err)
	}

	c.logger.Info("analysis completed",
		zap.String("prediction", result.Classification.Prediction),
		zap.Float64("score", result.Classification.Score),
		zap.Int("num_masks", result.Segmentation.NumMasks),
		zap.Int("segmented_chars", len(result.Segmentation.SegmentedImageBase64)),
		zap.Duration("elapsed", time.Since(start)))
	return result, nil
}
