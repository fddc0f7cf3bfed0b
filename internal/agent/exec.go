package agent

import (
	"context"
	"strconv"
	"strings"
	"time"

	"maf/internal/runner"
)

// ExecWorker runs an external command per task. The task description is
// written to stdin and trimmed stdout becomes the result; a non-zero exit
// fails the task with the command's stderr.
type ExecWorker struct {
	Command string
	Timeout time.Duration
}

func (w ExecWorker) Execute(ctx context.Context, a Assignment) (Result, error) {
	res, err := runner.Run(ctx, w.Command, a.Description, w.Timeout,
		"MAF_TASK_ID="+a.TaskID,
		"MAF_FEATURE_ID="+a.FeatureID,
		"MAF_AGENT_ROLE="+a.Role,
		"MAF_RETRY_COUNT="+strconv.Itoa(a.RetryCount),
	)
	if err != nil {
		return Result{}, err
	}
	return Result{Output: strings.TrimSpace(res.Stdout)}, nil
}
