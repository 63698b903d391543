package platform

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/cropscan/internal/apperr"
	"github.com/example/cropscan/internal/capture"
	"github.com/example/cropscan/internal/imageutil"
)

// Options controls what a Device allows and where it keeps its files.
type Options struct {
	AllowLibrary bool
	AllowCamera  bool
	InlineBase64 bool
	MediaRoots   []string
	WorkDir      string
	Reader       *imageutil.Reader
}

// Device is a server-side stand-in for the phone: images are staged by the caller and handed
// out by the next Launch. An asset attached to the operation context with WithAsset takes
// precedence over the staged one and leaves it untouched.
type Device struct {
	opts    Options
	workDir string
	logger  *zap.Logger

	mu     sync.Mutex
	staged *capture.Asset
}

// NewDevice creates a device with its own scratch directory under opts.WorkDir.
func NewDevice(opts Options, logger *zap.Logger) (*Device, error) {
	if opts.Reader == nil {
		opts.Reader = imageutil.NewReader(imageutil.RuntimeNative, nil)
	}
	base := opts.WorkDir
	if base == "" {
		base = os.TempDir()
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	workDir, err := os.MkdirTemp(base, "capture-")
	if err != nil {
		return nil, fmt.Errorf("create device dir: %w", err)
	}
	return &Device{opts: opts, workDir: workDir, logger: logger.Named("platform_device")}, nil
}

// WorkDir is the scratch directory owned by the device.
func (d *Device) WorkDir() string {
	return d.workDir
}

// Stage queues an existing file (path or file:// URI) for the next Launch.
func (d *Device) Stage(uri, mime string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.staged = &capture.Asset{URI: uri, MimeType: mime}
}

type assetKey struct{}

// WithAsset attaches the asset a single pick should launch, so concurrent requests on the
// same device never share the staged slot.
func WithAsset(ctx context.Context, uri, mime string) context.Context {
	return context.WithValue(ctx, assetKey{}, &capture.Asset{URI: uri, MimeType: mime})
}

func assetFrom(ctx context.Context) *capture.Asset {
	asset, _ := ctx.Value(assetKey{}).(*capture.Asset)
	return asset
}

// SaveUpload stores r in the work dir under a fresh name that keeps filename's extension.
func (d *Device) SaveUpload(filename string, r io.Reader) (string, error) {
	dst := filepath.Join(d.workDir, uuid.NewString()+strings.ToLower(filepath.Ext(filename)))
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("create staged file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return "", fmt.Errorf("write staged file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close staged file: %w", err)
	}
	return dst, nil
}

// RequestPermission grants access per source and, when media roots are configured, only for
// pending files that live under one of them or in the device's own work dir.
func (d *Device) RequestPermission(ctx context.Context, source capture.Source) (bool, error) {
	switch source {
	case capture.SourceLibrary:
		if !d.opts.AllowLibrary {
			return false, nil
		}
	case capture.SourceCamera:
		if !d.opts.AllowCamera {
			return false, nil
		}
	default:
		return false, fmt.Errorf("unknown source '%s'", source)
	}

	staged := assetFrom(ctx)
	if staged == nil {
		d.mu.Lock()
		staged = d.staged
		d.mu.Unlock()
	}
	if staged == nil || len(d.opts.MediaRoots) == 0 || isRemote(staged.URI) {
		return true, nil
	}
	path := imageutil.LocalPath(staged.URI)
	if within(path, d.workDir) {
		return true, nil
	}
	for _, root := range d.opts.MediaRoots {
		if within(path, root) {
			return true, nil
		}
	}
	d.logger.Warn("staged file outside media roots", zap.String("path", path))
	return false, nil
}

// Launch hands out the context asset or else pops the staged one. Nothing pending means the
// user cancelled.
func (d *Device) Launch(ctx context.Context, source capture.Source) (*capture.Asset, error) {
	asset := assetFrom(ctx)
	if asset == nil {
		d.mu.Lock()
		asset = d.staged
		d.staged = nil
		d.mu.Unlock()
	}
	if asset == nil {
		return nil, nil
	}
	if !d.opts.InlineBase64 {
		return asset, nil
	}

	encoded, err := d.opts.Reader.ReadBase64(ctx, asset.URI)
	if err != nil {
		return nil, err
	}
	out := *asset
	out.Base64 = encoded.Base64
	if out.MimeType == "" {
		out.MimeType = encoded.Mime
	}
	return &out, nil
}

// FileInfo returns the size of a local file.
func (d *Device) FileInfo(ctx context.Context, uri string) (int64, error) {
	info, err := os.Stat(imageutil.LocalPath(uri))
	if err != nil {
		return 0, apperr.Wrap(apperr.ReadFailure, "platform.file_info", err)
	}
	return info.Size(), nil
}

// Reencode writes a JPEG copy of uri into the work dir.
func (d *Device) Reencode(ctx context.Context, uri string, quality int) (*imageutil.Reencoded, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Wrap(apperr.ReadFailure, "platform.reencode", err)
	}
	if isRemote(uri) {
		blob, err := d.opts.Reader.FetchBlob(ctx, uri)
		if err != nil {
			return nil, err
		}
		src := filepath.Join(d.workDir, uuid.NewString())
		if err := os.WriteFile(src, blob.Data, 0o600); err != nil {
			return nil, apperr.Wrap(apperr.ReadFailure, "platform.reencode", err)
		}
		uri = src
	}
	return imageutil.ReencodeJPEG(uri, d.workDir, quality)
}

// Close removes every file the device created.
func (d *Device) Close() error {
	return os.RemoveAll(d.workDir)
}

func isRemote(uri string) bool {
	lower := strings.ToLower(uri)
	return strings.HasPrefix(lower, "http://") ||
		strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "data:")
}

func within(path, root string) bool {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
