package pipeline

import (
	"context"
)

// Verdict tells the driver how to continue after a stage.
type Verdict int

const (
	// Proceed passes the enriched state to the next stage.
	Proceed Verdict = iota
	// Stop ends the run once the stage's events are delivered.
	Stop
	// Suspend parks the run until a confirmation reply arrives.
	Suspend
)

func (v Verdict) String() string {
	switch v {
	case Proceed:
		return "proceed"
	case Stop:
		return "stop"
	case Suspend:
		return "suspend"
	}
	return "unknown"
}

// State is the intermediate result accumulated by the stages of a run.
type State struct {
	Question   string // Effective question, possibly rewritten by the follow-up stage
	Schema     *Schema
	Tables     []Table
	Analysis   string
	Generation *Generation
	Operation  string
	Result     *QueryResult
}

// Outcome is what a stage hands back to the driver.
type Outcome struct {
	Events  []Event
	Verdict Verdict
	State   State
}

// Stage is one unit of the reasoning pipeline.
type Stage interface {
	Name() string
	Run(ctx context.Context, req *Request, st State) (Outcome, error)
}

func proceed(st State, events ...Event) Outcome {
	return Outcome{Events: events, Verdict: Proceed, State: st}
}

func stop(st State, events ...Event) Outcome {
	return Outcome{Events: events, Verdict: Stop, State: st}
}
