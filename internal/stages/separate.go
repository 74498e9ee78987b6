// Package stages implements the pipeline stage sequence on top of the
// external audio tools: demucs for source separation, basic-pitch for
// transcription, a MIDI-to-MusicXML converter, and MuseScore for PDF
// rendering. Each stage reads its input artifact, runs its tool in a
// per-job scratch directory and publishes the output through the
// artifact store.
package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/audioscore/api/internal/artifact"
	"github.com/audioscore/api/internal/execx"
	"github.com/audioscore/api/internal/model"
	"github.com/audioscore/api/internal/pipeline"
)

// stemPreference orders the separated stems by how likely they are to
// carry the melodic content worth transcribing. Demucs' "other" stem
// holds the lead instruments once drums, bass and vocals are split out.
var stemPreference = []string{"other", "vocals"}

// Separation isolates the melodic stem from the source audio with
// demucs.
type Separation struct {
	artifacts *artifact.Store
	command   string
	modelName string
}

func NewSeparation(artifacts *artifact.Store, command, modelName string) *Separation {
	return &Separation{artifacts: artifacts, command: command, modelName: modelName}
}

func (s *Separation) Name() model.StageName { return model.StageSeparation }

func (s *Separation) Execute(ctx context.Context, req pipeline.Request) (model.ArtifactRef, error) {
	scratch, err := s.artifacts.ScratchDir(req.Job.ID, "separation")
	if err != nil {
		return model.ArtifactRef{}, fmt.Errorf("%w: %v", pipeline.ErrProcessing, err)
	}

	args := []string{
		"-n", s.modelName,
		"-o", scratch,
		"--filename", "{track}/{stem}.{ext}",
		req.Input.Path,
	}
	if err := execx.Run(ctx, s.command, args...); err != nil {
		return model.ArtifactRef{}, wrapToolError(err)
	}

	stem, err := findStem(scratch, s.modelName)
	if err != nil {
		return model.ArtifactRef{}, err
	}
	return s.artifacts.PutFile(req.Job.ID, model.ArtifactAudioStem, stem)
}

// findStem locates the preferred stem file under the demucs output
// tree (<out>/<model>/<track>/<stem>.wav).
func findStem(scratch, modelName string) (string, error) {
	modelDir := filepath.Join(scratch, modelName)
	tracks, err := os.ReadDir(modelDir)
	if err != nil || len(tracks) == 0 {
		return "", fmt.Errorf("%w: separation produced no output", pipeline.ErrProcessing)
	}
	trackDir := filepath.Join(modelDir, tracks[0].Name())

	for _, stem := range stemPreference {
		path := filepath.Join(trackDir, stem+".wav")
		if info, err := os.Stat(path); err == nil && info.Size() > 0 {
			return path, nil
		}
	}
	// Fall back to any non-empty stem before giving up.
	entries, err := os.ReadDir(trackDir)
	if err == nil {
		for _, entry := range entries {
			if filepath.Ext(entry.Name()) != ".wav" {
				continue
			}
			path := filepath.Join(trackDir, entry.Name())
			if info, err := os.Stat(path); err == nil && info.Size() > 0 {
				return path, nil
			}
		}
	}
	return "", fmt.Errorf("%w: separation produced no usable stem", pipeline.ErrProcessing)
}
