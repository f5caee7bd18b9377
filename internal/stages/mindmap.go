package stages

import (
	"context"
	"strings"

	"lectern/internal/inference"
	"lectern/internal/pipeline"
	"lectern/internal/render"
	"lectern/internal/services"
	"lectern/internal/stage"
)

const mermaidContentType = "text/vnd.mermaid; charset=utf-8"

// GenerateMindmap summarizes the lecture as Mermaid mind map source.
func GenerateMindmap(d Deps) stage.Definition[BranchOutput] {
	return stage.Definition[BranchOutput]{
		Name:    NameMindmap,
		Version: 1,
		Inputs:  branchInputs,
		Config: func(v pipeline.View) any {
			return map[string]string{"job_id": v.JobID(), "model": d.Config.Inference.SmartModel, "system": mindmapSystem}
		},
		Validate: validateBranch,
		Run: func(ctx context.Context, in stage.Input) (BranchOutput, error) {
			return generateMindmap(ctx, d, in)
		},
	}
}

func generateMindmap(ctx context.Context, d Deps, in stage.Input) (BranchOutput, error) {
	src, err := loadBranchSource(in.View, NameMindmap)
	if err != nil {
		return BranchOutput{}, err
	}
	in.Report(0.1, "Generating mind map")
	resp, err := d.Inference.Bind(in.JobID, in.UserID).Complete(ctx, inference.Request{
		Function: FuncMindmap,
		Model:    d.Config.Inference.SmartModel,
		System:   mindmapSystem,
		Prompt:   src.text,
	})
	if err != nil {
		return BranchOutput{}, interrupted(ctx, NameMindmap, err)
	}
	source := mermaidSource(resp.Content)
	if source == "" {
		return BranchOutput{}, services.Wrap(services.ErrValidation, NameMindmap, "parse mind map", "model returned no mermaid source", nil)
	}
	return publish(ctx, d, in, NameMindmap, render.Request{
		Kind:       render.KindMindmap,
		Title:      src.doc.Title,
		OutputPath: branchOutputPath(d, in.JobID, src.doc.BaseName()+" - Mindmap.mmd"),
		Data:       source,
	}, mermaidContentType, strings.Count(source, "\n")+1)
}

// mermaidSource strips a surrounding code fence and anything before the
// diagram keyword.
func mermaidSource(content string) string {
	content = strings.TrimSpace(content)
	if start := strings.Index(content, "```"); start >= 0 {
		content = strings.TrimPrefix(content[start+3:], "mermaid")
		if end := strings.LastIndex(content, "```"); end >= 0 {
			content = content[:end]
		}
	}
	content = strings.TrimSpace(content)
	if i := strings.Index(content, "mindmap"); i > 0 {
		content = content[i:]
	}
	return strings.TrimSpace(content)
}
