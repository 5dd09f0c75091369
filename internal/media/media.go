package media

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-audio/wav"
	"github.com/google/uuid"
)

const defaultContentType = "audio/webm"

var contentTypes = map[string]string{
	".webm": "audio/webm",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".flac": "audio/flac",
	".opus": "audio/opus",
}

// ContentType maps a file name's extension to the MIME type sent to transcription engines.
// Unknown extensions fall back to audio/webm.
func ContentType(name string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return defaultContentType
}

// Allowed reports whether an upload looks like audio, by MIME type or by extension.
func Allowed(filename, mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if strings.HasPrefix(mimeType, "audio/") || mimeType == "video/webm" {
		return true
	}
	_, ok := contentTypes[strings.ToLower(filepath.Ext(filename))]
	return ok
}

// StoredFilename names an upload on disk as <operator>-<patient>-<unixms>-<rand><ext>.
func StoredFilename(operatorID, patientID, originalName string, now time.Time) string {
	ext := strings.ToLower(filepath.Ext(originalName))
	return fmt.Sprintf("%s-%s-%d-%d%s", operatorID, patientID, now.UnixMilli(), uuid.New().ID(), ext)
}

// ProbeDuration returns the length in whole seconds of a WAV file.
// ok is false for any other format or an unreadable file.
func ProbeDuration(path string) (seconds int, ok bool) {
	if strings.ToLower(filepath.Ext(path)) != ".wav" {
		return 0, false
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return 0, false
	}
	d, err := dec.Duration()
	if err != nil {
		return 0, false
	}
	return int(math.Round(d.Seconds())), true
}
