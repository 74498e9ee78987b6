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

// Rendering produces the PDF score with MuseScore. The engine runs this
// stage under the renderer lease, so only one MuseScore process exists
// at a time. On headless hosts the invocation is wrapped in xvfb-run
// since MuseScore needs an X display even for batch export.
type Rendering struct {
	artifacts *artifact.Store
	command   string
	useXvfb   bool
}

func NewRendering(artifacts *artifact.Store, command string, useXvfb bool) *Rendering {
	return &Rendering{artifacts: artifacts, command: command, useXvfb: useXvfb}
}

func (r *Rendering) Name() model.StageName { return model.StageRendering }

func (r *Rendering) Execute(ctx context.Context, req pipeline.Request) (model.ArtifactRef, error) {
	scratch, err := r.artifacts.ScratchDir(req.Job.ID, "render")
	if err != nil {
		return model.ArtifactRef{}, fmt.Errorf("%w: %v", pipeline.ErrProcessing, err)
	}

	out := filepath.Join(scratch, "score.pdf")
	name := r.command
	args := []string{req.Input.Path, "-o", out}
	if r.useXvfb {
		name = "xvfb-run"
		args = append([]string{"-a", "--server-args=-screen 0 1024x768x24", r.command}, args...)
	}
	if err := execx.Run(ctx, name, args...); err != nil {
		return model.ArtifactRef{}, wrapToolError(err)
	}

	if info, err := os.Stat(out); err != nil || info.Size() == 0 {
		return model.ArtifactRef{}, fmt.Errorf("%w: renderer produced no PDF", pipeline.ErrProcessing)
	}
	return r.artifacts.PutFile(req.Job.ID, model.ArtifactScorePDF, out)
}
