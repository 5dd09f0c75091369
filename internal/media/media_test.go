package media

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func TestContentType(t *testing.T) {
	cases := map[string]string{
		"a.webm":   "audio/webm",
		"a.MP3":    "audio/mpeg",
		"a.wav":    "audio/wav",
		"a.ogg":    "audio/ogg",
		"a.m4a":    "audio/mp4",
		"a.aac":    "audio/aac",
		"a.flac":   "audio/flac",
		"a.opus":   "audio/opus",
		"a.bin":    "audio/webm",
		"noext":    "audio/webm",
		"/x/y.wav": "audio/wav",
	}
	for name, want := range cases {
		if got := ContentType(name); got != want {
			t.Fatalf("ContentType(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestAllowed(t *testing.T) {
	if !Allowed("voice", "audio/ogg; codecs=opus") {
		t.Fatal("expected audio mime to be allowed")
	}
	if !Allowed("clip", "video/webm") {
		t.Fatal("expected video/webm to be allowed")
	}
	if !Allowed("note.m4a", "application/octet-stream") {
		t.Fatal("expected known extension to be allowed")
	}
	if Allowed("report.pdf", "application/pdf") {
		t.Fatal("expected pdf to be rejected")
	}
}

func TestStoredFilename(t *testing.T) {
	now := time.UnixMilli(1735700000000)
	name := StoredFilename("op1", "pat1", "Recording.WAV", now)
	if !strings.HasPrefix(name, "op1-pat1-1735700000000-") {
		t.Fatalf("unexpected prefix: %s", name)
	}
	if !strings.HasSuffix(name, ".wav") {
		t.Fatalf("expected lower-cased extension: %s", name)
	}
	if other := StoredFilename("op1", "pat1", "Recording.WAV", now); other == name {
		t.Fatal("expected random component to differ")
	}
}

func TestProbeDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "two-seconds.wav")
	writeSilence(t, path, 8000, 2*time.Second)

	secs, ok := ProbeDuration(path)
	if !ok {
		t.Fatal("expected duration probe to succeed")
	}
	if secs != 2 {
		t.Fatalf("expected 2 seconds, got %d", secs)
	}
}

func TestProbeDurationRejectsOtherFormats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.webm")
	if err := os.WriteFile(path, []byte("not audio"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, ok := ProbeDuration(path); ok {
		t.Fatal("expected webm probe to be skipped")
	}

	bogus := filepath.Join(t.TempDir(), "bogus.wav")
	if err := os.WriteFile(bogus, []byte("RIFF nope"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, ok := ProbeDuration(bogus); ok {
		t.Fatal("expected invalid wav to be rejected")
	}
}

func writeSilence(t *testing.T, path string, sampleRate int, length time.Duration) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer f.Close()

	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:   make([]int, int(length.Seconds()*float64(sampleRate))),
	}
	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav encoder: %v", err)
	}
}
