package cerr

import "github.com/kazz187/agentflow/pkg/clog"

type Code int

const (
	OK                     = Code(0)
	Canceled               = Code(1)
	Unknown                = Code(2)
	QueueFull              = Code(3)
	TaskExecutionFailed    = Code(4)
	NotGitRepository       = Code(5)
	WorktreeCreationFailed = Code(6)
	WorktreeRemovalFailed  = Code(7)
	WorkflowTimeout        = Code(8)
	StepFailed             = Code(9)
	InvalidConfiguration   = Code(10)
	NotFound               = Code(11)
)

var codeNames = map[Code]string{
	OK:                     "OK",
	Canceled:               "CANCELED",
	Unknown:                "UNKNOWN",
	QueueFull:              "QUEUE_FULL",
	TaskExecutionFailed:    "TASK_EXECUTION_FAILED",
	NotGitRepository:       "NOT_GIT_REPOSITORY",
	WorktreeCreationFailed: "WORKTREE_CREATION_FAILED",
	WorktreeRemovalFailed:  "WORKTREE_REMOVAL_FAILED",
	WorkflowTimeout:        "WORKFLOW_TIMEOUT",
	StepFailed:             "STEP_FAILED",
	InvalidConfiguration:   "INVALID_CONFIGURATION",
	NotFound:               "NOT_FOUND",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}

// Level maps an error code to the log level it should surface at.
// Recoverable conditions (admission rejects, cleanup failures, timeouts)
// log as warnings; programming or environment faults log as errors.
func (c Code) Level() clog.Level {
	switch c {
	case OK:
		return clog.LevelDebug
	case Canceled, WorkflowTimeout, NotFound:
		return clog.LevelInfo
	case QueueFull, TaskExecutionFailed, WorktreeRemovalFailed, StepFailed:
		return clog.LevelWarn
	case Unknown, NotGitRepository, WorktreeCreationFailed, InvalidConfiguration:
		return clog.LevelError
	}
	return clog.LevelError
}
