package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"lectern/internal/jobs"
	"lectern/internal/logging"
	"lectern/internal/progress"
	"lectern/internal/services"
	"lectern/internal/stages"
)

// fail records an irrecoverable prefix failure. Cancellation observed inside
// a stage is reported as cancelled, not failed.
func (x *execution) fail(ctx context.Context, stageName string, stageErr error) {
	if services.IsCancelled(stageErr) && x.m.root.Err() == nil {
		x.cancelled(ctx, stageName)
		return
	}

	details := services.Details(stageErr)
	message := classifyStageFailure(stageName, stageErr)
	kind := details.Kind
	if x.m.root.Err() != nil {
		kind = "interrupted"
		message = "execution interrupted by shutdown"
	}

	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "stage_failure"),
		logging.String(logging.FieldStage, stageName),
		logging.String("error_message", message),
		logging.Alert("stage_failure"),
		logging.String(logging.FieldErrorKind, kind),
		logging.String(logging.FieldErrorOperation, details.Operation),
		logging.String(logging.FieldErrorHint, details.Hint),
	}
	if details.Cause != nil {
		attrs = append(attrs, logging.Error(details.Cause))
	} else {
		attrs = append(attrs, logging.Error(stageErr))
	}
	x.logger.Error("stage failed", logging.Args(attrs...)...)
	x.m.setLastError(stageErr)

	x.finish(ctx, jobs.Outcome{
		Status:       jobs.StatusFailed,
		ErrorStage:   stageName,
		ErrorKind:    kind,
		ErrorMessage: message,
	}, progress.Event{
		Stage:   stageName,
		Status:  progress.StatusFailed,
		Percent: percentOf(x.progressDone()),
		Message: message,
	})
}

func classifyStageFailure(stageName string, stageErr error) string {
	if stageErr == nil {
		return stageFailureMessage(stageName, "failed without error detail")
	}
	details := services.Details(stageErr)
	message := strings.TrimSpace(details.Message)
	if message == "" {
		message = strings.TrimSpace(stageErr.Error())
	}
	if message == "" {
		message = stageFailureMessage(stageName, "failed")
	}
	if details.Kind == "retry_exhausted" && details.Cause != nil && !strings.Contains(message, details.Cause.Error()) {
		message = fmt.Sprintf("%s: %s", message, details.Cause.Error())
	}
	return message
}

func stageFailureMessage(stageName, defaultMsg string) string {
	if stageName != "" {
		return fmt.Sprintf("%s %s", stageName, defaultMsg)
	}
	return fmt.Sprintf("workflow %s", defaultMsg)
}

func decodeBranch(payload []byte) (stages.BranchOutput, error) {
	var out stages.BranchOutput
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, services.Wrap(services.ErrStage, "", "decode branch", "branch output unreadable", err)
	}
	return out, nil
}
