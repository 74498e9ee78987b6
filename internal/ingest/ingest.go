// Package ingest turns caller-supplied audio (uploads and links) into
// the normalized source artifact the pipeline starts from. All input is
// converted to 22050 Hz mono 16-bit WAV at submission time, so stages
// never deal with container formats.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/audioscore/api/internal/artifact"
	"github.com/audioscore/api/internal/execx"
	"github.com/audioscore/api/internal/model"
)

// ErrUnsupportedFormat reports an upload with a file extension outside
// the accepted audio formats.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// ErrDownloadFailed reports a link the downloader could not fetch.
var ErrDownloadFailed = errors.New("download failed")

var allowedExtensions = map[string]bool{
	".mp3":  true,
	".wav":  true,
	".flac": true,
	".ogg":  true,
	".m4a":  true,
}

// Ingestor normalizes input audio into the job's source artifact.
type Ingestor struct {
	artifacts  *artifact.Store
	ffmpegPath string
	ytdlpPath  string
}

func New(artifacts *artifact.Store, ffmpegPath, ytdlpPath string) *Ingestor {
	return &Ingestor{artifacts: artifacts, ffmpegPath: ffmpegPath, ytdlpPath: ytdlpPath}
}

// FromUpload stores an uploaded file and converts it to the normalized
// source WAV.
func (in *Ingestor) FromUpload(ctx context.Context, jobID, filename string, r io.Reader) (model.ArtifactRef, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if !allowedExtensions[ext] {
		return model.ArtifactRef{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}

	scratch, err := in.artifacts.ScratchDir(jobID, "ingest")
	if err != nil {
		return model.ArtifactRef{}, err
	}
	raw := filepath.Join(scratch, "upload"+ext)
	f, err := os.Create(raw)
	if err != nil {
		return model.ArtifactRef{}, fmt.Errorf("failed to store upload: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return model.ArtifactRef{}, fmt.Errorf("failed to store upload: %w", err)
	}
	if err := f.Close(); err != nil {
		return model.ArtifactRef{}, fmt.Errorf("failed to store upload: %w", err)
	}

	return in.normalize(ctx, jobID, scratch, raw)
}

// FromLink downloads the audio track behind url and converts it to the
// normalized source WAV.
func (in *Ingestor) FromLink(ctx context.Context, jobID, url string) (model.ArtifactRef, error) {
	scratch, err := in.artifacts.ScratchDir(jobID, "ingest")
	if err != nil {
		return model.ArtifactRef{}, err
	}

	out := filepath.Join(scratch, "download.%(ext)s")
	err = execx.Run(ctx, in.ytdlpPath,
		"-x",
		"--audio-format", "wav",
		"--audio-quality", "0",
		"--no-playlist",
		"--quiet",
		"-o", out,
		url,
	)
	if err != nil {
		return model.ArtifactRef{}, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}

	raw := filepath.Join(scratch, "download.wav")
	if _, err := os.Stat(raw); err != nil {
		return model.ArtifactRef{}, fmt.Errorf("%w: no audio extracted", ErrDownloadFailed)
	}
	return in.normalize(ctx, jobID, scratch, raw)
}

func (in *Ingestor) normalize(ctx context.Context, jobID, scratch, raw string) (model.ArtifactRef, error) {
	normalized := filepath.Join(scratch, "source.wav")
	err := execx.Run(ctx, in.ffmpegPath,
		"-y",
		"-i", raw,
		"-ar", "22050",
		"-ac", "1",
		"-sample_fmt", "s16",
		normalized,
	)
	if err != nil {
		return model.ArtifactRef{}, fmt.Errorf("%w: not decodable as audio: %v", ErrUnsupportedFormat, err)
	}
	return in.artifacts.PutFile(jobID, model.ArtifactAudioSource, normalized)
}
