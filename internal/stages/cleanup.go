package stages

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"lectern/internal/inference"
	"lectern/internal/pipeline"
	"lectern/internal/stage"
)

const cleanupConcurrency = 2

// CleanTranscript rewrites each slide's raw captions into readable prose.
func CleanTranscript(d Deps) stage.Definition[SlidesOutput] {
	return stage.Definition[SlidesOutput]{
		Name:    NameCleanTranscript,
		Version: 1,
		Inputs:  []string{NameMatchFrames},
		Config: func(pipeline.View) any {
			return map[string]string{"model": d.Config.Inference.FastModel, "system": cleanTranscriptSystem}
		},
		Validate: validateSlides,
		Run: func(ctx context.Context, in stage.Input) (SlidesOutput, error) {
			return cleanTranscript(ctx, d, in)
		},
	}
}

func cleanTranscript(ctx context.Context, d Deps, in stage.Input) (SlidesOutput, error) {
	matched, err := pipeline.Get[SlidesOutput](in.View, NameMatchFrames)
	if err != nil {
		return SlidesOutput{}, err
	}
	client := d.Inference.Bind(in.JobID, in.UserID)
	slides := append([]Slide(nil), matched.Slides...)
	total := len(slides)
	var done atomic.Int64
	poller := in.Poller(NameCleanTranscript)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cleanupConcurrency)
	var stopErr error
	for i := range slides {
		if stopErr = poller.Tick(); stopErr != nil {
			break
		}
		caption := strings.TrimSpace(slides[i].Caption)
		if caption == "" {
			done.Add(1)
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			resp, err := client.Complete(gctx, inference.Request{
				Function: FuncClean,
				Model:    d.Config.Inference.FastModel,
				System:   cleanTranscriptSystem,
				Prompt:   caption,
			})
			if err != nil {
				return err
			}
			slides[i].Text = strings.TrimSpace(resp.Content)
			n := done.Add(1)
			in.Report(float64(n)/float64(total), fmt.Sprintf("Cleaned slide %d of %d", n, total))
			return nil
		})
	}
	waitErr := g.Wait()
	if stopErr != nil {
		return SlidesOutput{}, stopErr
	}
	if waitErr != nil {
		return SlidesOutput{}, interrupted(ctx, NameCleanTranscript, waitErr)
	}
	return SlidesOutput{Slides: slides}, nil
}
