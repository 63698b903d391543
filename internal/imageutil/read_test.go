package imageutil

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/cropscan/internal/apperr"
)

func writeTestPNG(t *testing.T, dir, name string) (string, []byte) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, color.RGBA{R: 200, G: uint8(x * 40), B: uint8(y * 40), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatalf("failed to write png: %v", err)
	}
	return path, buf.Bytes()
}

func TestReadBase64NativeUsesExtension(t *testing.T) {
	path, data := writeTestPNG(t, t.TempDir(), "leaf.png")
	reader := NewReader(RuntimeNative, nil)

	encoded, err := reader.ReadBase64(context.Background(), "file://"+path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if encoded.Mime != MimePNG {
		t.Fatalf("expected png mime, got %s", encoded.Mime)
	}
	if encoded.Base64 != base64.StdEncoding.EncodeToString(data) {
		t.Fatal("base64 payload does not match file contents")
	}
	if !strings.HasPrefix(encoded.DataURI, "data:image/png;base64,") {
		t.Fatalf("unexpected data uri prefix: %s", encoded.DataURI[:30])
	}
}

func TestReadBase64NativeMissingFileIsReadFailure(t *testing.T) {
	reader := NewReader(RuntimeNative, nil)
	_, err := reader.ReadBase64(context.Background(), filepath.Join(t.TempDir(), "missing.jpg"))
	if !apperr.Is(err, apperr.ReadFailure) {
		t.Fatalf("expected read failure, got %v", err)
	}
}

func TestReadBase64WebTrustsContentType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("not really a png"))
	}))
	defer server.Close()

	reader := NewReader(RuntimeWeb, server.Client())
	encoded, err := reader.ReadBase64(context.Background(), server.URL+"/photo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if encoded.Mime != MimePNG {
		t.Fatalf("expected content type to be trusted, got %s", encoded.Mime)
	}
}

func TestFetchBlobSniffsLocalFile(t *testing.T) {
	path, data := writeTestPNG(t, t.TempDir(), "blob")
	reader := NewReader(RuntimeWeb, nil)

	blob, err := reader.FetchBlob(context.Background(), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if blob.Type != MimePNG {
		t.Fatalf("expected sniffed png, got %q", blob.Type)
	}
	if len(blob.Data) != len(data) {
		t.Fatalf("expected %d bytes, got %d", len(data), len(blob.Data))
	}
}

func TestFetchBlobRemoteErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	reader := NewReader(RuntimeWeb, server.Client())
	_, err := reader.FetchBlob(context.Background(), server.URL)
	if !apperr.Is(err, apperr.ReadFailure) {
		t.Fatalf("expected read failure, got %v", err)
	}
}

func TestFetchBlobRemoteOversizeIsReadFailure(t *testing.T) {
	_, data := writeTestPNG(t, t.TempDir(), "big.png")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(data)
	}))
	defer server.Close()

	reader := NewReader(RuntimeWeb, server.Client())
	reader.MaxBytes = int64(len(data) - 1)
	_, err := reader.FetchBlob(context.Background(), server.URL)
	if !apperr.Is(err, apperr.ReadFailure) || !strings.Contains(err.Error(), "exceeds") {
		t.Fatalf("expected oversize read failure, got %v", err)
	}

	reader.MaxBytes = int64(len(data))
	blob, err := reader.FetchBlob(context.Background(), server.URL)
	if err != nil || len(blob.Data) != len(data) {
		t.Fatalf("expected exact-size body to pass, got %v", err)
	}
}

func TestFetchBlobDataURI(t *testing.T) {
	reader := NewReader(RuntimeWeb, nil)
	blob, err := reader.FetchBlob(context.Background(), DataURI("image/jpeg", base64.StdEncoding.EncodeToString([]byte("abc"))))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if blob.Type != "image/jpeg" || string(blob.Data) != "abc" {
		t.Fatalf("unexpected blob: %+v", blob)
	}
}

func TestReencodeJPEGWritesJPEGCopy(t *testing.T) {
	dir := t.TempDir()
	path, _ := writeTestPNG(t, dir, "leaf.png")

	out, err := ReencodeJPEG("file://"+path, filepath.Join(dir, "out"), DefaultJPEGQuality)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Mime != MimeJPEG {
		t.Fatalf("expected jpeg, got %s", out.Mime)
	}
	data, err := os.ReadFile(LocalPath(out.URI))
	if err != nil {
		t.Fatalf("re-encoded file missing: %v", err)
	}
	if len(data) < 2 || data[0] != 0xFF || data[1] != 0xD8 {
		t.Fatal("re-encoded file is not a JPEG")
	}
	if Base64ByteLength(out.Base64) != len(data) {
		t.Fatalf("base64 length %d does not match file size %d", Base64ByteLength(out.Base64), len(data))
	}
}

func TestReencodeJPEGRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "junk.jpg")
	if err := os.WriteFile(path, []byte("junk"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := ReencodeJPEG(path, dir, 80)
	if !apperr.Is(err, apperr.ReadFailure) {
		t.Fatalf("expected read failure, got %v", err)
	}
}
