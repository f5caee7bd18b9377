package stages

import (
	"context"
	"strings"

	"lectern/internal/inference"
	"lectern/internal/logging"
	"lectern/internal/pipeline"
	"lectern/internal/render"
	"lectern/internal/services"
	"lectern/internal/stage"
)

var answerLetters = []string{"A", "B", "C", "D", "E"}

// VignetteQuestions is the model's vignette answer.
type VignetteQuestions struct {
	LearningObjectives []LearningObjective `json:"learning_objectives"`
}

// LearningObjective groups the questions that test one objective.
type LearningObjective struct {
	Objective string             `json:"objective"`
	Questions []VignetteQuestion `json:"questions"`
}

// VignetteQuestion is one multiple-choice clinical vignette.
type VignetteQuestion struct {
	QuestionNumber int               `json:"question_number"`
	Difficulty     string            `json:"difficulty"`
	Vignette       string            `json:"vignette"`
	Question       string            `json:"question"`
	Choices        map[string]string `json:"choices"`
	CorrectAnswer  string            `json:"correct_answer"`
	Explanation    string            `json:"explanation"`
}

// Count returns the number of questions across objectives.
func (v VignetteQuestions) Count() int {
	n := 0
	for _, obj := range v.LearningObjectives {
		n += len(obj.Questions)
	}
	return n
}

// GenerateVignette writes clinical vignette questions as a PDF. A lecture
// without usable questions is reported as skipped.
func GenerateVignette(d Deps) stage.Definition[BranchOutput] {
	return stage.Definition[BranchOutput]{
		Name:    NameVignette,
		Version: 1,
		Inputs:  branchInputs,
		Config: func(v pipeline.View) any {
			return map[string]string{"job_id": v.JobID(), "model": d.Config.Inference.SmartModel, "prompt": vignettePrompt(v)}
		},
		Validate: validateBranch,
		Run: func(ctx context.Context, in stage.Input) (BranchOutput, error) {
			return generateVignette(ctx, d, in)
		},
	}
}

func vignettePrompt(v pipeline.View) string {
	if prompt := strings.TrimSpace(v.Profile().VignettePrompt); prompt != "" {
		return prompt
	}
	return defaultVignettePrompt
}

func generateVignette(ctx context.Context, d Deps, in stage.Input) (BranchOutput, error) {
	src, err := loadBranchSource(in.View, NameVignette)
	if err != nil {
		return BranchOutput{}, err
	}
	in.Report(0.1, "Generating vignette questions")
	resp, err := d.Inference.Bind(in.JobID, in.UserID).Complete(ctx, inference.Request{
		Function: FuncVignette,
		Model:    d.Config.Inference.SmartModel,
		System:   vignettePrompt(in.View),
		Prompt:   src.text,
		JSON:     true,
	})
	if err != nil {
		return BranchOutput{}, interrupted(ctx, NameVignette, err)
	}
	var raw VignetteQuestions
	if err := inference.DecodeJSON(resp.Content, &raw); err != nil {
		return BranchOutput{}, services.Wrap(services.ErrValidation, NameVignette, "decode questions", "model returned unreadable questions", err)
	}
	questions, dropped := sanitizeVignettes(raw)
	if dropped > 0 {
		logging.WarnWithContext(in.Log(), "dropped malformed vignette questions", "vignette_questions_dropped",
			logging.Int("dropped", dropped),
			logging.String(logging.FieldImpact, "the vignette PDF has fewer questions"),
		)
	}
	if questions.Count() == 0 {
		in.Report(1, "No vignette questions generated")
		return BranchOutput{Skipped: true, Reason: "no vignette questions generated"}, nil
	}

	return publish(ctx, d, in, NameVignette, render.Request{
		Kind:       render.KindVignette,
		Title:      src.doc.Title,
		OutputPath: branchOutputPath(d, in.JobID, src.doc.BaseName()+" - Vignette Questions.pdf"),
		Data:       questions,
	}, pdfContentType, questions.Count())
}

// sanitizeVignettes drops questions without five choices or a valid answer
// and renumbers the rest.
func sanitizeVignettes(in VignetteQuestions) (VignetteQuestions, int) {
	var out VignetteQuestions
	dropped := 0
	number := 0
	for _, obj := range in.LearningObjectives {
		kept := LearningObjective{Objective: strings.TrimSpace(obj.Objective)}
		for _, q := range obj.Questions {
			if !validVignette(q) {
				dropped++
				continue
			}
			number++
			q.QuestionNumber = number
			q.Difficulty = normalizeDifficulty(q.Difficulty)
			q.CorrectAnswer = strings.ToUpper(strings.TrimSpace(q.CorrectAnswer))
			kept.Questions = append(kept.Questions, q)
		}
		if len(kept.Questions) > 0 {
			out.LearningObjectives = append(out.LearningObjectives, kept)
		}
	}
	return out, dropped
}

func validVignette(q VignetteQuestion) bool {
	if strings.TrimSpace(q.Vignette) == "" || strings.TrimSpace(q.Question) == "" {
		return false
	}
	for _, letter := range answerLetters {
		if strings.TrimSpace(q.Choices[letter]) == "" {
			return false
		}
	}
	answer := strings.ToUpper(strings.TrimSpace(q.CorrectAnswer))
	for _, letter := range answerLetters {
		if answer == letter {
			return true
		}
	}
	return false
}

func normalizeDifficulty(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "easy":
		return "Easy"
	case "hard":
		return "Hard"
	default:
		return "Medium"
	}
}
