package imageutil

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/example/cropscan/internal/apperr"
)

// Runtime selects how resources are read: through a fetch (web) or from local files (native).
type Runtime string

const (
	RuntimeNative Runtime = "native"
	RuntimeWeb    Runtime = "web"
)

// ParseRuntime maps a configuration value onto a Runtime, defaulting to native.
func ParseRuntime(value string) Runtime {
	if strings.EqualFold(strings.TrimSpace(value), string(RuntimeWeb)) {
		return RuntimeWeb
	}
	return RuntimeNative
}

// Encoded is a base64 payload together with its MIME type and data URI.
type Encoded struct {
	Base64  string
	Mime    string
	DataURI string
}

// Blob is a fetched resource with the content type reported or sniffed for it.
type Blob struct {
	Data []byte
	Type string
}

// DefaultMaxFetchBytes caps a remote fetch when Reader.MaxBytes is unset.
const DefaultMaxFetchBytes = 32 << 20

// Reader reads image resources for the configured runtime.
type Reader struct {
	Runtime  Runtime
	Client   *http.Client
	MaxBytes int64
}

// NewReader returns a Reader that uses client for remote resources.
func NewReader(runtime Runtime, client *http.Client) *Reader {
	if client == nil {
		client = http.DefaultClient
	}
	return &Reader{Runtime: runtime, Client: client, MaxBytes: DefaultMaxFetchBytes}
}

// ReadBase64 loads uri and returns its base64 payload, MIME type and data URI.
func (r *Reader) ReadBase64(ctx context.Context, uri string) (*Encoded, error) {
	if r.Runtime == RuntimeWeb {
		blob, err := r.FetchBlob(ctx, uri)
		if err != nil {
			return nil, err
		}
		mimeType := blob.Type
		if mimeType == "" {
			mimeType = MimeJPEG
		}
		b64 := base64.StdEncoding.EncodeToString(blob.Data)
		return &Encoded{Base64: b64, Mime: mimeType, DataURI: DataURI(mimeType, b64)}, nil
	}

	data, err := os.ReadFile(LocalPath(uri))
	if err != nil {
		return nil, apperr.Wrap(apperr.ReadFailure, "imageutil.read_base64", err)
	}
	mimeType := MimeFromURI(uri)
	b64 := base64.StdEncoding.EncodeToString(data)
	return &Encoded{Base64: b64, Mime: mimeType, DataURI: DataURI(mimeType, b64)}, nil
}

// FetchBlob retrieves uri over http(s), from a data URI, or from disk.
func (r *Reader) FetchBlob(ctx context.Context, uri string) (*Blob, error) {
	lower := strings.ToLower(uri)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return r.fetchRemote(ctx, uri)
	case strings.HasPrefix(lower, "data:"):
		return parseDataURI(uri)
	default:
		data, err := os.ReadFile(LocalPath(uri))
		if err != nil {
			return nil, apperr.Wrap(apperr.ReadFailure, "imageutil.fetch_blob", err)
		}
		return &Blob{Data: data, Type: sniff(data)}, nil
	}
}

func (r *Reader) fetchRemote(ctx context.Context, uri string) (*Blob, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.ReadFailure, "imageutil.fetch_blob", err)
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.ReadFailure, "imageutil.fetch_blob", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperr.Wrap(apperr.ReadFailure, "imageutil.fetch_blob",
			fmt.Errorf("fetch %s: status %d", uri, resp.StatusCode))
	}
	limit := r.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxFetchBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, apperr.Wrap(apperr.ReadFailure, "imageutil.fetch_blob", err)
	}
	if int64(len(data)) > limit {
		return nil, apperr.Wrap(apperr.ReadFailure, "imageutil.fetch_blob",
			fmt.Errorf("fetch %s: body exceeds %d bytes", uri, limit))
	}

	blobType := ""
	if header := resp.Header.Get("Content-Type"); header != "" {
		if mediaType, _, err := mime.ParseMediaType(header); err == nil {
			blobType = mediaType
		}
	}
	if blobType == "" || blobType == "application/octet-stream" {
		blobType = sniff(data)
	}
	return &Blob{Data: data, Type: blobType}, nil
}

func parseDataURI(uri string) (*Blob, error) {
	header, payload, ok := strings.Cut(uri[len("data:"):], ",")
	if !ok || !strings.HasSuffix(strings.ToLower(header), ";base64") {
		return nil, apperr.Wrap(apperr.ReadFailure, "imageutil.fetch_blob", errors.New("malformed data uri"))
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, apperr.Wrap(apperr.ReadFailure, "imageutil.fetch_blob", err)
	}
	return &Blob{Data: data, Type: header[:len(header)-len(";base64")]}, nil
}

func sniff(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	detected := mimetype.Detect(data)
	if detected.Is("application/octet-stream") {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(detected.String())
	if err != nil {
		return ""
	}
	return mediaType
}
