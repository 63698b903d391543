package platform

import (
	"bytes"
	"context"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/example/cropscan/internal/analysis"
	"github.com/example/cropscan/internal/capture"
	"github.com/example/cropscan/internal/imageutil"
)

var _ capture.Platform = (*Device)(nil)

func writePNG(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	img := imaging.New(4, 3, color.NRGBA{R: 120, G: 200, B: 40, A: 255})
	if err := imaging.Save(img, path); err != nil {
		t.Fatalf("write png: %v", err)
	}
	return path
}

func newDevice(t *testing.T, opts Options) *Device {
	t.Helper()
	if opts.WorkDir == "" {
		opts.WorkDir = t.TempDir()
	}
	device, err := NewDevice(opts, zap.NewNop())
	if err != nil {
		t.Fatalf("new device: %v", err)
	}
	t.Cleanup(func() { _ = device.Close() })
	return device
}

func TestRequestPermissionPerSource(t *testing.T) {
	device := newDevice(t, Options{AllowLibrary: true, AllowCamera: false})

	if ok, err := device.RequestPermission(context.Background(), capture.SourceLibrary); err != nil || !ok {
		t.Fatalf("expected library permission, got %v %v", ok, err)
	}
	if ok, _ := device.RequestPermission(context.Background(), capture.SourceCamera); ok {
		t.Fatal("expected camera permission to be denied")
	}
}

func TestRequestPermissionHonoursMediaRoots(t *testing.T) {
	allowed := t.TempDir()
	other := t.TempDir()
	device := newDevice(t, Options{AllowLibrary: true, AllowCamera: true, MediaRoots: []string{allowed}})

	device.Stage("file://"+writePNG(t, other, "outside.png"), "")
	if ok, _ := device.RequestPermission(context.Background(), capture.SourceLibrary); ok {
		t.Fatal("expected file outside media roots to be denied")
	}

	device.Stage(writePNG(t, allowed, "inside.png"), "")
	if ok, _ := device.RequestPermission(context.Background(), capture.SourceLibrary); !ok {
		t.Fatal("expected file inside media root to be allowed")
	}

	saved, err := device.SaveUpload("upload.PNG", strings.NewReader("data"))
	if err != nil {
		t.Fatalf("save upload: %v", err)
	}
	if filepath.Ext(saved) != ".png" || filepath.Dir(saved) != device.WorkDir() {
		t.Fatalf("unexpected saved path: %s", saved)
	}
	ctx := WithAsset(context.Background(), saved, "image/png")
	if ok, _ := device.RequestPermission(ctx, capture.SourceCamera); !ok {
		t.Fatal("expected uploaded file in work dir to be allowed")
	}

	outside := WithAsset(context.Background(), writePNG(t, other, "ctx.png"), "")
	if ok, _ := device.RequestPermission(outside, capture.SourceLibrary); ok {
		t.Fatal("expected context asset outside media roots to be denied")
	}
}

func TestLaunchPopsStagedAssetWithInlineBase64(t *testing.T) {
	device := newDevice(t, Options{AllowLibrary: true, InlineBase64: true})
	path := writePNG(t, t.TempDir(), "leaf.png")
	device.Stage(path, "")

	asset, err := device.Launch(context.Background(), capture.SourceLibrary)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if asset.URI != path || asset.MimeType != imageutil.MimePNG || asset.Base64 == "" {
		t.Fatalf("unexpected asset: uri=%s mime=%s chars=%d", asset.URI, asset.MimeType, len(asset.Base64))
	}

	asset, err = device.Launch(context.Background(), capture.SourceLibrary)
	if err != nil || asset != nil {
		t.Fatalf("expected cancellation after asset was consumed, got %v %v", asset, err)
	}

}

func TestLaunchPrefersContextAssetAndKeepsStaged(t *testing.T) {
	device := newDevice(t, Options{AllowLibrary: true, InlineBase64: true})
	staged := writePNG(t, t.TempDir(), "staged.png")
	perRequest := writePNG(t, t.TempDir(), "request.png")
	device.Stage(staged, "")

	asset, err := device.Launch(WithAsset(context.Background(), perRequest, ""), capture.SourceLibrary)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if asset.URI != perRequest || asset.Base64 == "" {
		t.Fatalf("expected context asset, got %+v", asset)
	}

	asset, err = device.Launch(context.Background(), capture.SourceLibrary)
	if err != nil || asset == nil || asset.URI != staged {
		t.Fatalf("expected staged asset to survive, got %+v %v", asset, err)
	}
}

func TestFileInfoReencodeAndClose(t *testing.T) {
	device := newDevice(t, Options{})
	path := writePNG(t, t.TempDir(), "leaf.png")

	size, err := device.FileInfo(context.Background(), "file://"+path)
	if err != nil {
		t.Fatalf("file info: %v", err)
	}
	info, _ := os.Stat(path)
	if size != info.Size() {
		t.Fatalf("expected %d bytes, got %d", info.Size(), size)
	}

	out, err := device.Reencode(context.Background(), path, imageutil.DefaultJPEGQuality)
	if err != nil {
		t.Fatalf("reencode: %v", err)
	}
	if !strings.HasPrefix(out.URI, "file://"+device.WorkDir()) {
		t.Fatalf("expected output in work dir, got %s", out.URI)
	}
	data, err := os.ReadFile(imageutil.LocalPath(out.URI))
	if err != nil || !bytes.HasPrefix(data, []byte{0xFF, 0xD8}) {
		t.Fatalf("expected jpeg output, err=%v", err)
	}

	if err := device.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(device.WorkDir()); !os.IsNotExist(err) {
		t.Fatalf("expected work dir to be removed, got %v", err)
	}
}

type recordingClient struct {
	mime string
}

func (c *recordingClient) Upload(ctx context.Context, b64, mime string) (*analysis.UploadResult, error) {
	c.mime = mime
	return &analysis.UploadResult{Success: true}, nil
}

func TestDeviceDrivesCaptureFlow(t *testing.T) {
	device := newDevice(t, Options{AllowLibrary: true, AllowCamera: true})
	client := &recordingClient{}
	flow := capture.NewFlow(device, client, capture.Options{
		Runtime:       imageutil.RuntimeNative,
		MaxImageBytes: 5 * 1024 * 1024,
		MaxImageMB:    5,
	}, zap.NewNop())
	defer flow.Close()

	device.Stage(writePNG(t, t.TempDir(), "field.png"), "image/png")
	if err := flow.Pick(context.Background(), capture.SourceCamera); err != nil {
		t.Fatalf("pick: %v", err)
	}
	state := flow.State()
	if state.Mime != imageutil.MimeJPEG || !strings.HasPrefix(state.PreviewURI, "file://") {
		t.Fatalf("expected native jpeg re-encode, got %+v", state.Mime)
	}
	if _, err := flow.Upload(context.Background()); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if client.mime != imageutil.MimeJPEG {
		t.Fatalf("expected jpeg upload, got %s", client.mime)
	}
}
