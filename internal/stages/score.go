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

// ScoreGeneration converts the transcription MIDI into MusicXML using
// the configured converter command. The command string may carry its
// own flags ("mscore --export-to" style); it is invoked as
// <command...> <in.mid> <out.musicxml>.
type ScoreGeneration struct {
	artifacts *artifact.Store
	command   []string
}

func NewScoreGeneration(artifacts *artifact.Store, command string) *ScoreGeneration {
	return &ScoreGeneration{artifacts: artifacts, command: strings.Fields(command)}
}

func (g *ScoreGeneration) Name() model.StageName { return model.StageScoreGeneration }

func (g *ScoreGeneration) Execute(ctx context.Context, req pipeline.Request) (model.ArtifactRef, error) {
	if len(g.command) == 0 {
		return model.ArtifactRef{}, fmt.Errorf("%w: no score converter configured", pipeline.ErrProcessing)
	}
	scratch, err := g.artifacts.ScratchDir(req.Job.ID, "score")
	if err != nil {
		return model.ArtifactRef{}, fmt.Errorf("%w: %v", pipeline.ErrProcessing, err)
	}

	out := filepath.Join(scratch, "score.musicxml")
	args := append(append([]string{}, g.command[1:]...), req.Input.Path, out)
	if err := execx.Run(ctx, g.command[0], args...); err != nil {
		return model.ArtifactRef{}, wrapToolError(err)
	}

	if info, err := os.Stat(out); err != nil || info.Size() == 0 {
		return model.ArtifactRef{}, fmt.Errorf("%w: converter produced no MusicXML", pipeline.ErrProcessing)
	}
	return g.artifacts.PutFile(req.Job.ID, model.ArtifactScoreXML, out)
}
