package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/audioscore/api/internal/artifact"
	"github.com/audioscore/api/internal/execx"
	"github.com/audioscore/api/internal/model"
	"github.com/audioscore/api/internal/pipeline"
)

// PitchDetection transcribes the separated stem to MIDI with
// basic-pitch.
type PitchDetection struct {
	artifacts *artifact.Store
	command   string
}

func NewPitchDetection(artifacts *artifact.Store, command string) *PitchDetection {
	return &PitchDetection{artifacts: artifacts, command: command}
}

func (p *PitchDetection) Name() model.StageName { return model.StagePitchDetection }

func (p *PitchDetection) Execute(ctx context.Context, req pipeline.Request) (model.ArtifactRef, error) {
	scratch, err := p.artifacts.ScratchDir(req.Job.ID, "pitch")
	if err != nil {
		return model.ArtifactRef{}, fmt.Errorf("%w: %v", pipeline.ErrProcessing, err)
	}

	if err := execx.Run(ctx, p.command, scratch, req.Input.Path); err != nil {
		return model.ArtifactRef{}, wrapToolError(err)
	}

	midi, err := findMIDI(scratch)
	if err != nil {
		return model.ArtifactRef{}, err
	}
	return p.artifacts.PutFile(req.Job.ID, model.ArtifactPitchMIDI, midi)
}

// findMIDI locates the transcription output. The tool names its file
// <input>_basic_pitch.mid; any other .mid in the output dir is accepted
// as a fallback.
func findMIDI(scratch string) (string, error) {
	entries, err := os.ReadDir(scratch)
	if err != nil {
		return "", fmt.Errorf("%w: %v", pipeline.ErrProcessing, err)
	}
	var fallback string
	for _, entry := range entries {
		name := entry.Name()
		if filepath.Ext(name) != ".mid" {
			continue
		}
		path := filepath.Join(scratch, name)
		info, err := os.Stat(path)
		if err != nil || info.Size() == 0 {
			continue
		}
		if strings.HasSuffix(name, "_basic_pitch.mid") {
			return path, nil
		}
		if fallback == "" {
			fallback = path
		}
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", fmt.Errorf("%w: transcription produced no notes", pipeline.ErrNoPitchedContent)
}
