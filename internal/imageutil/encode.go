package imageutil

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/example/cropscan/internal/apperr"
)

// DefaultJPEGQuality matches a compress factor of 0.8.
const DefaultJPEGQuality = 80

// Reencoded is the result of converting an image to JPEG on disk.
type Reencoded struct {
	URI string
	Encoded
}

// ReencodeJPEG decodes the image at src and writes a JPEG copy into dstDir.
func ReencodeJPEG(src, dstDir string, quality int) (*Reencoded, error) {
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}

	img, err := imaging.Open(LocalPath(src), imaging.AutoOrientation(true))
	if err != nil {
		return nil, apperr.Wrap(apperr.ReadFailure, "imageutil.reencode", fmt.Errorf("decode %s: %w", src, err))
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, apperr.Wrap(apperr.ReadFailure, "imageutil.reencode", fmt.Errorf("encode jpeg: %w", err))
	}

	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.ReadFailure, "imageutil.reencode", err)
	}
	dst := filepath.Join(dstDir, uuid.NewString()+".jpg")
	if err := os.WriteFile(dst, buf.Bytes(), 0o600); err != nil {
		return nil, apperr.Wrap(apperr.ReadFailure, "imageutil.reencode", err)
	}

	b64 := base64.StdEncoding.EncodeToString(buf.Bytes())
	return &Reencoded{
		URI: "file://" + dst,
		Encoded: Encoded{
			Base64:  b64,
			Mime:    MimeJPEG,
			DataURI: DataURI(MimeJPEG, b64),
		},
	}, nil
}
