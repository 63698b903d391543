package imageutil

import (
	"math"
	"strconv"
	"strings"
)

const (
	MimeJPEG = "image/jpeg"
	MimePNG  = "image/png"
)

var byteUnits = []string{"B", "KB", "MB", "GB"}

// IsSupportedImage reports whether uri points at a JPEG/PNG file or a local file URI.
func IsSupportedImage(uri string) bool {
	lower := strings.ToLower(uri)
	return strings.HasSuffix(lower, ".jpg") ||
		strings.HasSuffix(lower, ".jpeg") ||
		strings.HasSuffix(lower, ".png") ||
		strings.HasPrefix(lower, "file://")
}

// IsSupportedMime reports whether mime denotes JPEG or PNG.
func IsSupportedMime(mime string) bool {
	if mime == "" {
		return false
	}
	m := strings.ToLower(mime)
	return strings.Contains(m, "image/jpeg") ||
		strings.Contains(m, "image/jpg") ||
		strings.Contains(m, "image/png")
}

// FormatBytes renders a byte count using the largest unit up to GB, two decimals at most.
func FormatBytes(bytes int64) string {
	if bytes <= 0 {
		return "0 B"
	}
	value := float64(bytes)
	unit := 0
	for value >= 1024 && unit < len(byteUnits)-1 {
		value /= 1024
		unit++
	}
	rounded := math.Round(value*100) / 100
	return strconv.FormatFloat(rounded, 'f', -1, 64) + " " + byteUnits[unit]
}

// Base64ByteLength returns the decoded size of a padded base64 string without decoding it.
func Base64ByteLength(b64 string) int {
	padding := 0
	switch {
	case strings.HasSuffix(b64, "=="):
		padding = 2
	case strings.HasSuffix(b64, "="):
		padding = 1
	}
	return len(b64)*3/4 - padding
}

// MimeFromURI guesses the MIME type from the file extension, defaulting to JPEG.
func MimeFromURI(uri string) string {
	if strings.HasSuffix(strings.ToLower(uri), ".png") {
		return MimePNG
	}
	return MimeJPEG
}

// DataURI embeds a base64 payload in a data URI.
func DataURI(mime, b64 string) string {
	return "data:" + mime + ";base64," + b64
}

// LocalPath strips a file:// scheme, leaving a filesystem path.
func LocalPath(uri string) string {
	if strings.HasPrefix(strings.ToLower(uri), "file://") {
		return uri[len("file://"):]
	}
	return uri
}
