package capture

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/example/cropscan/internal/analysis"
	"github.com/example/cropscan/internal/apperr"
	"github.com/example/cropscan/internal/imageutil"
)

var (
	// ErrBusy is returned when a pick or upload is already running on the flow.
	ErrBusy = errors.New("capture: another operation is in progress")
	// ErrNoSelection is returned by Upload when no image has been staged.
	ErrNoSelection = errors.New("capture: no image selected")
	// ErrClosed is returned once the flow has been closed.
	ErrClosed = errors.New("capture: flow closed")
)

// Source is where an image comes from.
type Source string

const (
	SourceLibrary Source = "library"
	SourceCamera  Source = "camera"
)

// ParseSource validates a source name.
func ParseSource(value string) (Source, error) {
	switch Source(value) {
	case SourceLibrary, SourceCamera:
		return Source(value), nil
	default:
		return "", fmt.Errorf("unknown source '%s': must be library or camera", value)
	}
}

func (s Source) permissionMessage() string {
	if s == SourceCamera {
		return "Permission denied for camera"
	}
	return "Permission denied for media library"
}

// Asset is what the picker or camera hands back. Base64 is empty when the platform did not
// inline the payload.
type Asset struct {
	URI      string
	Base64   string
	MimeType string
}

// Platform abstracts permission prompts, the picker/camera, file metadata and re-encoding.
type Platform interface {
	RequestPermission(ctx context.Context, source Source) (bool, error)
	// Launch returns nil (or an asset without URI) when the user cancelled.
	Launch(ctx context.Context, source Source) (*Asset, error)
	FileInfo(ctx context.Context, uri string) (int64, error)
	Reencode(ctx context.Context, uri string, quality int) (*imageutil.Reencoded, error)
}

// Options configures a Flow.
type Options struct {
	Runtime       imageutil.Runtime
	MaxImageBytes int64
	MaxImageMB    float64
	Reader        *imageutil.Reader
}

// Flow drives one capture screen: pick or capture, validate, stage, upload.
// At most one pick or upload runs at a time.
type Flow struct {
	platform Platform
	client   analysis.Client
	reader   *imageutil.Reader
	runtime  imageutil.Runtime
	maxBytes int64
	maxMB    float64
	logger   *zap.Logger

	gate  sync.Mutex
	mu    sync.Mutex
	state State

	lifetime context.Context
	cancel   context.CancelFunc
}

// NewFlow builds an idle flow.
func NewFlow(platform Platform, client analysis.Client, opts Options, logger *zap.Logger) *Flow {
	if opts.Reader == nil {
		opts.Reader = imageutil.NewReader(opts.Runtime, nil)
	}
	if opts.Runtime == "" {
		opts.Runtime = imageutil.RuntimeNative
	}
	lifetime, cancel := context.WithCancel(context.Background())
	return &Flow{
		platform: platform,
		client:   client,
		reader:   opts.Reader,
		runtime:  opts.Runtime,
		maxBytes: opts.MaxImageBytes,
		maxMB:    opts.MaxImageMB,
		logger:   logger.Named("capture_flow"),
		state:    State{Status: StatusIdle},
		lifetime: lifetime,
		cancel:   cancel,
	}
}

// State returns a snapshot of the current state.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// ClearSelected drops the staged image and any UI error. The request status is untouched.
func (f *Flow) ClearSelected() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.clearSelection()
	f.state.UIError = nil
}

// Reset returns the request lifecycle to idle.
func (f *Flow) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.resetRequest()
}

// Close cancels any in-flight operation and waits for it to return.
func (f *Flow) Close() {
	f.cancel()
	f.gate.Lock()
	f.gate.Unlock()
}

func (f *Flow) begin(ctx context.Context) (context.Context, func(), error) {
	if !f.gate.TryLock() {
		return nil, nil, ErrBusy
	}
	if f.lifetime.Err() != nil {
		f.gate.Unlock()
		return nil, nil, ErrClosed
	}
	opCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(f.lifetime, cancel)
	return opCtx, func() {
		stop()
		cancel()
		f.gate.Unlock()
	}, nil
}

func (f *Flow) update(fn func(*State)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(&f.state)
}

func (f *Flow) fail(err *apperr.Error) error {
	f.update(func(s *State) { s.UIError = err })
	f.logger.Info("capture rejected", zap.String("kind", err.Kind.String()), zap.Error(err))
	return err
}

func (f *Flow) maxMBLabel() string {
	return strconv.FormatFloat(f.maxMB, 'f', -1, 64)
}

// Pick asks for permission, launches the picker or camera and stages the chosen image.
// A cancelled picker leaves the flow unchanged and returns nil. An oversize image is staged
// with a warning in the state; the returned error is nil in that case.
func (f *Flow) Pick(ctx context.Context, source Source) error {
	ctx, done, err := f.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	f.update(func(s *State) {
		s.resetRequest()
		s.UIError = nil
		s.Size = 0
	})

	granted, err := f.platform.RequestPermission(ctx, source)
	if err != nil || !granted {
		if err != nil {
			f.logger.Warn("permission request failed", zap.String("source", string(source)), zap.Error(err))
		}
		return f.fail(apperr.New(apperr.PermissionDenied, "capture.pick", source.permissionMessage()))
	}

	asset, err := f.platform.Launch(ctx, source)
	if err != nil {
		return f.fail(apperr.Wrap(apperr.ReadFailure, "capture.pick", err))
	}
	if asset == nil || asset.URI == "" {
		f.logger.Debug("picker cancelled", zap.String("source", string(source)))
		return nil
	}

	size, okFormat, err := f.inspect(ctx, asset)
	if err != nil {
		return f.fail(toAppErr(apperr.ReadFailure, "capture.pick", err))
	}
	if !okFormat {
		f.update(func(s *State) {
			s.clearSelection()
			s.Size = size
		})
		return f.fail(apperr.New(apperr.UnsupportedFormat, "capture.pick", "Unsupported format. Use JPG or PNG"))
	}
	f.update(func(s *State) { s.Size = size })

	var warning *apperr.Error
	if size > 0 && size > f.maxBytes {
		warning = apperr.New(apperr.ImageTooLarge, "capture.pick",
			fmt.Sprintf("Image too large: %s. Max %sMB", imageutil.FormatBytes(size), f.maxMBLabel()))
	}

	staged, err := f.stage(ctx, asset, size)
	if err != nil {
		f.update(func(s *State) { s.clearSelection() })
		return f.fail(toAppErr(apperr.ReadFailure, "capture.pick", err))
	}

	f.update(func(s *State) {
		s.URI = asset.URI
		s.Base64 = staged.Base64
		s.Mime = staged.Mime
		s.PreviewURI = staged.PreviewURI
		s.Size = staged.Size
		s.UIError = warning
	})
	f.logger.Debug("image staged",
		zap.String("source", string(source)),
		zap.String("uri", asset.URI),
		zap.String("mime", staged.Mime),
		zap.Int("base64_chars", len(staged.Base64)),
		zap.Bool("oversize", warning != nil))
	return nil
}

func (f *Flow) inspect(ctx context.Context, asset *Asset) (int64, bool, error) {
	if f.runtime == imageutil.RuntimeWeb {
		blob, err := f.reader.FetchBlob(ctx, asset.URI)
		if err != nil {
			return 0, false, err
		}
		ok := imageutil.IsSupportedMime(blob.Type) || imageutil.IsSupportedImage(asset.URI)
		return int64(len(blob.Data)), ok, nil
	}
	if asset.Base64 != "" {
		return int64(imageutil.Base64ByteLength(asset.Base64)), true, nil
	}
	size, err := f.platform.FileInfo(ctx, asset.URI)
	if err != nil {
		return 0, false, err
	}
	return size, imageutil.IsSupportedImage(asset.URI), nil
}

type stagedImage struct {
	Base64     string
	Mime       string
	PreviewURI string
	Size       int64
}

func (f *Flow) stage(ctx context.Context, asset *Asset, size int64) (*stagedImage, error) {
	mime := asset.MimeType
	if mime == "" {
		mime = imageutil.MimeFromURI(asset.URI)
	}

	if asset.Base64 != "" {
		if imageutil.IsSupportedMime(mime) && f.runtime == imageutil.RuntimeWeb {
			return &stagedImage{
				Base64:     asset.Base64,
				Mime:       mime,
				PreviewURI: imageutil.DataURI(mime, asset.Base64),
				Size:       size,
			}, nil
		}
		out, err := f.platform.Reencode(ctx, asset.URI, imageutil.DefaultJPEGQuality)
		if err != nil {
			return nil, err
		}
		b64 := out.Base64
		if b64 == "" {
			b64 = asset.Base64
		}
		return &stagedImage{Base64: b64, Mime: imageutil.MimeJPEG, PreviewURI: out.URI, Size: size}, nil
	}

	out, err := f.platform.Reencode(ctx, asset.URI, imageutil.DefaultJPEGQuality)
	if err != nil {
		return nil, err
	}
	staged := &stagedImage{Base64: out.Base64, Mime: imageutil.MimeJPEG, PreviewURI: out.URI, Size: size}
	if f.runtime == imageutil.RuntimeWeb {
		staged.PreviewURI = imageutil.DataURI(imageutil.MimeJPEG, out.Base64)
	}
	if out.Base64 != "" {
		staged.Size = int64(imageutil.Base64ByteLength(out.Base64))
	}
	return staged, nil
}

// Upload sends the staged image to the analysis client. An oversize image only produces a
// warning; the upload still goes out.
func (f *Flow) Upload(ctx context.Context) (*analysis.UploadResult, error) {
	ctx, done, err := f.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	snapshot := f.State()
	if snapshot.Base64 == "" {
		return nil, ErrNoSelection
	}

	f.update(func(s *State) {
		if snapshot.Size > 0 && snapshot.Size > f.maxBytes {
			s.UIError = apperr.New(apperr.ImageTooLarge, "capture.upload",
				fmt.Sprintf("Image too large. Max %sMB", f.maxMBLabel()))
		}
		s.Status = StatusLoading
		s.RequestError = ""
		s.Result = nil
	})

	mime := snapshot.Mime
	if mime == "" {
		mime = imageutil.MimeJPEG
	}
	f.logger.Info("upload triggered", zap.Int("base64_chars", len(snapshot.Base64)), zap.String("mime", mime))

	result, err := f.client.Upload(ctx, snapshot.Base64, mime)
	if err == nil && ctx.Err() != nil {
		err = apperr.Wrap(apperr.NetworkFailure, "capture.upload", ctx.Err())
	}
	if err != nil {
		uiErr := toAppErr(apperr.Unknown, "capture.upload", err)
		f.update(func(s *State) {
			s.Status = StatusError
			s.RequestError = err.Error()
			s.UIError = uiErr
		})
		f.logger.Error("upload failed", zap.String("kind", uiErr.Kind.String()), zap.Error(err))
		return nil, uiErr
	}

	f.update(func(s *State) {
		s.Status = StatusSuccess
		s.Result = result
	})
	return result, nil
}

func toAppErr(kind apperr.Kind, op string, err error) *apperr.Error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		kind = apperr.NetworkFailure
	}
	return apperr.Wrap(kind, op, err)
}
