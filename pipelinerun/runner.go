// Package pipelinerun implements the orchestrator (pipeline stage C9): it
// executes the enabled stages in the fixed order C4 -> C5 -> C6 -> C8,
// honoring per-stage enablement flags from configuration, and aggregates
// an overall success flag. Stages communicate only through the
// filesystem and the two provenance logs; the runner never retries.
//
// Grounded on manager/main.go's top-level stage sequencing and signal
// handling, generalized from "run every configured service" to "run
// every enabled pipeline stage in a fixed order."
package pipelinerun

import (
	"context"

	"github.com/google/uuid"

	"github.com/natmeg/pipeline/convert"
	"github.com/natmeg/pipeline/log"
	"github.com/natmeg/pipeline/pipelineconfig"
	"github.com/natmeg/pipeline/pipelineerr"
	"github.com/natmeg/pipeline/provenance"
)

// StageResult is one stage's outcome within a run.
type StageResult struct {
	Stage   string
	Success bool
	Err     error
}

// RunResult is the outcome of one full orchestrated run.
type RunResult struct {
	RunID   string
	Stages  []StageResult
	Success bool
}

// CopyStage, HPIStage, MaxfilterStage and BidsifyStage are the
// collaborators a Runner drives; each wraps the corresponding package's
// entry point so pipelinerun stays a pure sequencer with no knowledge of
// transfer/hpi/sss internals.
type CopyStage interface {
	Run(ctx context.Context) error
}

type HPIStage interface {
	Run(ctx context.Context) error
}

type MaxfilterStage interface {
	Run(ctx context.Context) error
}

// BidsifyStage wraps C7+C8: plan the work table, then write StatusRun
// rows. It returns the rows left in StatusCheck so the runner can apply
// spec §7's SchemaError propagation policy.
type BidsifyStage interface {
	Run(ctx context.Context) (checkRows []convert.ConversionRow, err error)
}

// Runner sequences the enabled stages for one project run.
type Runner struct {
	Config    *pipelineconfig.ProjectConfig
	Store     *provenance.Store
	Logger    *log.Logger
	Copy      CopyStage
	HPI       HPIStage
	Maxfilter MaxfilterStage
	Bidsify   BidsifyStage
}

// Run executes every enabled stage in order C4 -> C5 -> C6 -> C8. A
// stage's failure does not halt later stages (spec §5/§9's "stages may
// overlap, failures are local"), except Cancelled, which propagates
// immediately and halts the run.
func (r *Runner) Run(ctx context.Context) RunResult {
	result := RunResult{RunID: uuid.NewString(), Success: true}

	run := func(name string, fn func(context.Context) error) bool {
		err := fn(ctx)
		ok := err == nil
		result.Stages = append(result.Stages, StageResult{Stage: name, Success: ok, Err: err})
		if r.Logger != nil {
			if ok {
				r.Logger.Info("stage complete", log.F("stage", name))
			} else {
				r.Logger.Error("stage failed", log.F("stage", name), log.KVErr(err))
			}
		}
		if !ok {
			result.Success = false
		}
		return !pipelineerr.Is(err, pipelineerr.KindCancelled)
	}

	if r.Config.Run.Copy && r.Copy != nil {
		if !run("copy", r.Copy.Run) {
			return result
		}
	}
	if r.Config.Run.HPI && r.HPI != nil {
		if !run("hpi", r.HPI.Run) {
			return result
		}
	}
	if r.Config.Run.Maxfilter && r.Maxfilter != nil {
		if !run("maxfilter", r.Maxfilter.Run) {
			return result
		}
	}

	if r.Config.Run.Bidsify && r.Bidsify != nil {
		checkRows, err := r.Bidsify.Run(ctx)
		ok := err == nil && len(checkRows) == 0
		result.Stages = append(result.Stages, StageResult{Stage: "bidsify", Success: ok, Err: err})
		if !ok {
			result.Success = false
			if r.Logger != nil {
				if err != nil {
					r.Logger.Error("bidsify failed", log.KVErr(err))
				} else {
					r.Logger.Warn("bidsify blocked", log.F("check_rows", len(checkRows)))
				}
			}
		}
	}

	return result
}

// CopyStageFunc, HPIStageFunc and MaxfilterStageFunc let callers adapt a
// plain function to the corresponding Stage interface without declaring
// a named type, mirroring the standard library's http.HandlerFunc idiom.
type CopyStageFunc func(ctx context.Context) error
type HPIStageFunc func(ctx context.Context) error
type MaxfilterStageFunc func(ctx context.Context) error

func (c CopyStageFunc) Run(ctx context.Context) error      { return c(ctx) }
func (h HPIStageFunc) Run(ctx context.Context) error       { return h(ctx) }
func (m MaxfilterStageFunc) Run(ctx context.Context) error { return m(ctx) }
