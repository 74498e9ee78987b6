package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/audioscore/api/internal/artifact"
)

func TestFromUploadRejectsUnsupportedExtensions(t *testing.T) {
	artifacts, err := artifact.NewStore(t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatalf("failed to create artifact store: %v", err)
	}
	in := New(artifacts, "ffmpeg", "yt-dlp")

	for _, name := range []string{"notes.txt", "song.aiff", "archive.zip", "noext"} {
		_, err := in.FromUpload(context.Background(), "job-1", name, strings.NewReader("data"))
		if !errors.Is(err, ErrUnsupportedFormat) {
			t.Errorf("%s: expected ErrUnsupportedFormat, got %v", name, err)
		}
	}
}

func TestFromUploadAcceptsKnownExtensionsCaseInsensitive(t *testing.T) {
	artifacts, err := artifact.NewStore(t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatalf("failed to create artifact store: %v", err)
	}
	// A bogus ffmpeg path makes conversion fail after the extension
	// check passes, which is all this test cares about.
	in := New(artifacts, "definitely-not-ffmpeg", "yt-dlp")

	for _, name := range []string{"song.MP3", "take.Wav", "rec.flac"} {
		_, err := in.FromUpload(context.Background(), "job-1", name, strings.NewReader("data"))
		// The failure must come from the conversion step, not the
		// extension gate.
		if err == nil || !strings.Contains(err.Error(), "not decodable") {
			t.Errorf("%s: expected conversion failure, got %v", name, err)
		}
	}
}
