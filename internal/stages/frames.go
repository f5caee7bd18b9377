package stages

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"lectern/internal/logging"
	"lectern/internal/media"
	"lectern/internal/pipeline"
	"lectern/internal/stage"
	"lectern/internal/stagecache"
	"lectern/internal/storage"
	"lectern/internal/textutil"
)

const (
	maxFrameUploads     = 8
	defaultSampleWidth  = 640
	minSampleWidth      = 64
	matchProgressWeight = 0.9
)

type frameSettings struct {
	ScaleFactor float64 `json:"scale_factor"`
	Threshold   float64 `json:"similarity_threshold"`
	OffsetMS    int     `json:"sample_offset_ms"`
}

// MatchFrames groups captions into slides by sampling the video at each
// caption and starting a new slide when the picture changes.
func MatchFrames(d Deps) stage.Definition[SlidesOutput] {
	settings := frameSettings{
		ScaleFactor: d.Config.Frames.ScaleFactor,
		Threshold:   d.Config.Frames.SimilarityThreshold,
		OffsetMS:    d.Config.Frames.SampleOffsetMillis,
	}
	return stage.Definition[SlidesOutput]{
		Name:     NameMatchFrames,
		Version:  1,
		Inputs:   []string{NameRetrieveSource, NameExtractCaptions},
		Config:   func(pipeline.View) any { return settings },
		Validate: validateSlides,
		Run: func(ctx context.Context, in stage.Input) (SlidesOutput, error) {
			return matchFrames(ctx, d, settings, in)
		},
	}
}

type slideGroup struct {
	first, last int
	frameAt     time.Duration
}

func matchFrames(ctx context.Context, d Deps, settings frameSettings, in stage.Input) (SlidesOutput, error) {
	src, err := pipeline.Get[SourceOutput](in.View, NameRetrieveSource)
	if err != nil {
		return SlidesOutput{}, err
	}
	caps, err := pipeline.Get[CaptionsOutput](in.View, NameExtractCaptions)
	if err != nil {
		return SlidesOutput{}, err
	}
	local, err := d.ensureLocal(ctx, NameMatchFrames, src.StorageKey, sourcePath(d, in.JobID, src))
	if err != nil {
		return SlidesOutput{}, interrupted(ctx, NameMatchFrames, err)
	}

	groups, err := detectSlides(ctx, d, settings, in, local, src, caps.Captions)
	if err != nil {
		return SlidesOutput{}, interrupted(ctx, NameMatchFrames, err)
	}

	tag, err := stagecache.Fingerprint("frames", src.SourceID, settings)
	if err != nil {
		return SlidesOutput{}, err
	}
	slides, err := storeSlides(ctx, d, in, local, src, caps.Captions, groups, tag[:10])
	if err != nil {
		return SlidesOutput{}, interrupted(ctx, NameMatchFrames, err)
	}

	in.Report(1, fmt.Sprintf("Matched %d slides", len(slides)))
	in.Log().Info("slides matched",
		logging.String(logging.FieldEventType, "slides_matched"),
		logging.Int("captions", len(caps.Captions)),
		logging.Int("slides", len(slides)),
	)
	return SlidesOutput{Slides: slides}, nil
}

// detectSlides walks the captions in order, comparing each sampled frame with
// the previous one. A score below the threshold closes the current group.
func detectSlides(ctx context.Context, d Deps, settings frameSettings, in stage.Input, local string, src SourceOutput, caps []Caption) ([]slideGroup, error) {
	width := sampleWidth(src.Width, settings.ScaleFactor)
	poller := in.Poller(NameMatchFrames)

	var (
		groups []slideGroup
		prev   media.Gray
		prevAt time.Duration
		start  int
	)
	for i, c := range caps {
		if err := poller.Tick(); err != nil {
			return nil, err
		}
		at := sampleTime(c.Timestamp, settings.OffsetMS, src.DurationSeconds)

		release, err := d.acquireCPU(ctx)
		if err != nil {
			return nil, err
		}
		frame, err := d.Media.SampleGray(ctx, local, at, width)
		changed := false
		if err == nil && i > 0 {
			changed = media.Similarity(prev, frame) < settings.Threshold
		}
		release()
		if err != nil {
			return nil, err
		}

		if changed {
			groups = append(groups, slideGroup{first: start, last: i - 1, frameAt: prevAt})
			start = i
		}
		prev, prevAt = frame, at
		in.Report(matchProgressWeight*float64(i+1)/float64(len(caps)), fmt.Sprintf("Compared frame %d of %d", i+1, len(caps)))
	}
	groups = append(groups, slideGroup{first: start, last: len(caps) - 1, frameAt: prevAt})
	return groups, nil
}

// storeSlides captures one JPEG per group and uploads them concurrently.
func storeSlides(ctx context.Context, d Deps, in stage.Input, local string, src SourceOutput, caps []Caption, groups []slideGroup, tag string) ([]Slide, error) {
	frameDir := filepath.Join(d.WorkDir(in.JobID), "frames")
	slides := make([]Slide, len(groups))
	var done atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxFrameUploads)
	for i, grp := range groups {
		texts := make([]string, 0, grp.last-grp.first+1)
		for _, c := range caps[grp.first : grp.last+1] {
			texts = append(texts, c.Text)
		}
		name := fmt.Sprintf("frame-%s-%03d.jpg", tag, i+1)
		slides[i] = Slide{
			Index:     i + 1,
			ImageKey:  storage.SourceKey(in.UserID, src.SourceID, name),
			Timestamp: caps[grp.first].Timestamp,
			Caption:   textutil.JoinCaptions(texts),
		}
		g.Go(func() error {
			path := filepath.Join(frameDir, name)
			release, err := d.acquireCPU(gctx)
			if err != nil {
				return err
			}
			err = d.Media.ExtractFrame(gctx, local, grp.frameAt, path)
			release()
			if err != nil {
				return err
			}
			if err := d.upload(gctx, NameMatchFrames, path, slides[i].ImageKey, "image/jpeg"); err != nil {
				return err
			}
			n := done.Add(1)
			in.Report(matchProgressWeight+(1-matchProgressWeight)*float64(n)/float64(len(groups)),
				fmt.Sprintf("Stored slide %d of %d", n, len(groups)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return slides, nil
}

func sampleWidth(sourceWidth int, scale float64) int {
	if sourceWidth <= 0 {
		return defaultSampleWidth
	}
	if scale <= 0 || scale > 1 {
		scale = 1
	}
	width := int(float64(sourceWidth) * scale)
	return max(width, minSampleWidth)
}

// sampleTime offsets the caption start so the slide has settled, without
// running past the end of the video.
func sampleTime(timestamp float64, offsetMS int, duration float64) time.Duration {
	at := timestamp + float64(offsetMS)/1000
	if duration > 0 && at > duration-0.1 {
		at = max(duration-0.1, timestamp, 0)
	}
	return time.Duration(at * float64(time.Second))
}
