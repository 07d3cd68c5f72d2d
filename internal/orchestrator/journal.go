package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/johndauphine/tablesync/internal/checkpoint"
	"github.com/johndauphine/tablesync/internal/logging"
)

// journal writes a run's log lines to the process log and appends them to
// the run's LogEntry records. A failed append is reported on the process log
// only; it never fails the run.
type journal struct {
	state checkpoint.Recorder
	runID string
	level logging.Level
	log   logging.RunLogger
}

func (o *Orchestrator) newJournal(runID string) *journal {
	return &journal{state: o.state, runID: runID, level: o.logLevel, log: logging.ForRun(runID)}
}

// Debug is called per batch; it skips formatting when nobody keeps the line.
func (j *journal) Debug(format string, args ...any) {
	if j.level < logging.LevelDebug && !logging.Enabled(logging.LevelDebug) {
		return
	}
	j.log.Debug(format, args...)
	j.record(logging.LevelDebug, fmt.Sprintf(format, args...), "")
}

func (j *journal) Info(format string, args ...any) {
	j.log.Info(format, args...)
	j.record(logging.LevelInfo, fmt.Sprintf(format, args...), "")
}

func (j *journal) Warn(format string, args ...any) {
	j.log.Warn(format, args...)
	j.record(logging.LevelWarn, fmt.Sprintf(format, args...), "")
}

// Error logs msg with err appended and stores err as the entry's exception.
func (j *journal) Error(err error, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	j.log.Error("%s: %v", msg, err)
	j.record(logging.LevelError, msg, err.Error())
}

func (j *journal) record(level logging.Level, msg, exception string) {
	if level > j.level {
		return
	}
	entry := checkpoint.LogEntry{
		RunID:     j.runID,
		LogTime:   time.Now().UTC(),
		LogLevel:  level.String(),
		Message:   msg,
		Exception: exception,
	}
	if err := j.state.AppendLog(context.Background(), entry); err != nil {
		j.log.Warn("Recording log entry: %v", err)
	}
}
