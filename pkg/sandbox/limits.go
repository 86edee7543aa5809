package sandbox

import (
	"sync/atomic"

	"github.com/bodhya/bodhya/pkg/core"
	"github.com/bodhya/bodhya/pkg/errors"
)

// Limits counts side-effecting operations for one execution. Counters are
// consumed before the operation runs; a call at the cap fails without
// running. A nil *Limits is unlimited.
type Limits struct {
	maxWrites   int64
	maxCommands int64
	writes      atomic.Int64
	commands    atomic.Int64
}

// NewLimits creates counters with the given caps.
func NewLimits(maxWrites, maxCommands int) *Limits {
	return &Limits{maxWrites: int64(maxWrites), maxCommands: int64(maxCommands)}
}

// LimitsFrom creates counters from execution limits.
func LimitsFrom(l core.ExecutionLimits) *Limits {
	return NewLimits(l.MaxFileWrites, l.MaxCommandExecutions)
}

// ConsumeWrite reserves one file write.
func (l *Limits) ConsumeWrite() error {
	if l == nil {
		return nil
	}
	return consume(&l.writes, l.maxWrites, "file_writes")
}

// ConsumeCommand reserves one command execution.
func (l *Limits) ConsumeCommand() error {
	if l == nil {
		return nil
	}
	return consume(&l.commands, l.maxCommands, "command_executions")
}

// Writes returns the number of writes consumed.
func (l *Limits) Writes() int {
	if l == nil {
		return 0
	}
	return int(l.writes.Load())
}

// Commands returns the number of commands consumed.
func (l *Limits) Commands() int {
	if l == nil {
		return 0
	}
	return int(l.commands.Load())
}

func consume(counter *atomic.Int64, max int64, name string) error {
	for {
		cur := counter.Load()
		if cur >= max {
			return errors.Newf(errors.CodeLimitExceeded, "%s limit of %d reached", name, max).
				WithContext("limit", name).
				WithContext("max", max)
		}
		if counter.CompareAndSwap(cur, cur+1) {
			return nil
		}
	}
}
