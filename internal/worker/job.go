package worker

import (
	"context"
	"errors"
)

type JobType int

const (
	Run JobType = iota
	Stop
)

func (t JobType) String() string {
	switch t {
	case Run:
		return "run"
	case Stop:
		return "stop"
	default:
		return "unknown"
	}
}

var (
	// ErrDispatcherBusy means the intake queue is full.
	ErrDispatcherBusy = errors.New("dispatcher queue full")
	// ErrDispatcherClosed is returned once Close has been called.
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

// Job is one unit of work. Key groups jobs from the same client so one
// client cannot starve the others.
type Job struct {
	Type JobType
	Key  string

	ctx  context.Context
	fn   func(context.Context)
	done chan error
}

func (j Job) finish(err error) {
	if j.done != nil {
		j.done <- err
	}
}
