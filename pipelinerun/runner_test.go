package pipelinerun

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/natmeg/pipeline/convert"
	"github.com/natmeg/pipeline/pipelineconfig"
	"github.com/natmeg/pipeline/pipelineerr"
)

func newEnabledConfig() *pipelineconfig.ProjectConfig {
	cfg := &pipelineconfig.ProjectConfig{}
	cfg.Run.Copy = true
	cfg.Run.HPI = true
	cfg.Run.Maxfilter = true
	cfg.Run.Bidsify = true
	return cfg
}

type fakeBidsifyStage struct {
	rows []convert.ConversionRow
	err  error
}

func (f fakeBidsifyStage) Run(ctx context.Context) ([]convert.ConversionRow, error) {
	return f.rows, f.err
}

func TestRunnerRunsAllEnabledStagesInOrder(t *testing.T) {
	var order []string
	cfg := newEnabledConfig()

	r := &Runner{
		Config:    cfg,
		Copy:      CopyStageFunc(func(ctx context.Context) error { order = append(order, "copy"); return nil }),
		HPI:       HPIStageFunc(func(ctx context.Context) error { order = append(order, "hpi"); return nil }),
		Maxfilter: MaxfilterStageFunc(func(ctx context.Context) error { order = append(order, "maxfilter"); return nil }),
		Bidsify:   fakeBidsifyStage{},
	}

	result := r.Run(context.Background())
	require.True(t, result.Success)
	require.NotEmpty(t, result.RunID)
	require.Equal(t, []string{"copy", "hpi", "maxfilter"}, order)
	require.Len(t, result.Stages, 4)
	require.Equal(t, "bidsify", result.Stages[3].Stage)
}

func TestRunnerSkipsDisabledStages(t *testing.T) {
	cfg := newEnabledConfig()
	cfg.Run.HPI = false

	hpiCalled := false
	r := &Runner{
		Config:    cfg,
		Copy:      CopyStageFunc(func(ctx context.Context) error { return nil }),
		HPI:       HPIStageFunc(func(ctx context.Context) error { hpiCalled = true; return nil }),
		Maxfilter: MaxfilterStageFunc(func(ctx context.Context) error { return nil }),
		Bidsify:   fakeBidsifyStage{},
	}

	result := r.Run(context.Background())
	require.True(t, result.Success)
	require.False(t, hpiCalled)
	for _, s := range result.Stages {
		require.NotEqual(t, "hpi", s.Stage)
	}
}

func TestRunnerContinuesPastLocalStageFailure(t *testing.T) {
	cfg := newEnabledConfig()

	r := &Runner{
		Config: cfg,
		Copy: CopyStageFunc(func(ctx context.Context) error {
			return pipelineerr.Wrap(pipelineerr.KindIO, "sub-0001", errors.New("disk full"))
		}),
		HPI:       HPIStageFunc(func(ctx context.Context) error { return nil }),
		Maxfilter: MaxfilterStageFunc(func(ctx context.Context) error { return nil }),
		Bidsify:   fakeBidsifyStage{},
	}

	result := r.Run(context.Background())
	require.False(t, result.Success)
	require.Len(t, result.Stages, 4)
	require.False(t, result.Stages[0].Success)
	require.True(t, result.Stages[1].Success)
	require.True(t, result.Stages[2].Success)
}

func TestRunnerHaltsOnCancelled(t *testing.T) {
	cfg := newEnabledConfig()

	hpiCalled := false
	r := &Runner{
		Config: cfg,
		Copy: CopyStageFunc(func(ctx context.Context) error {
			return pipelineerr.Wrap(pipelineerr.KindCancelled, "", context.Canceled)
		}),
		HPI:       HPIStageFunc(func(ctx context.Context) error { hpiCalled = true; return nil }),
		Maxfilter: MaxfilterStageFunc(func(ctx context.Context) error { return nil }),
		Bidsify:   fakeBidsifyStage{},
	}

	result := r.Run(context.Background())
	require.False(t, result.Success)
	require.False(t, hpiCalled)
	require.Len(t, result.Stages, 1)
}

func TestRunnerMarksFailureWhenBidsifyLeavesCheckRows(t *testing.T) {
	cfg := newEnabledConfig()
	cfg.Run.Copy = false
	cfg.Run.HPI = false
	cfg.Run.Maxfilter = false

	r := &Runner{
		Config:  cfg,
		Bidsify: fakeBidsifyStage{rows: []convert.ConversionRow{{Status: convert.StatusCheck}}},
	}

	result := r.Run(context.Background())
	require.False(t, result.Success)
	require.Len(t, result.Stages, 1)
	require.Equal(t, "bidsify", result.Stages[0].Stage)
	require.False(t, result.Stages[0].Success)
}
