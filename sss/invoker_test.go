package sss

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/natmeg/pipeline/pipelineconfig"
)

func baseConfig() *pipelineconfig.ProjectConfig {
	cfg := &pipelineconfig.ProjectConfig{}
	cfg.Project.Calibration = "/cal/sss_cal.dat"
	cfg.Project.Crosstalk = "/cal/ct_sparse.fif"
	return cfg
}

func TestBuildPlanAssemblesRequiredFlags(t *testing.T) {
	cfg := baseConfig()
	req := Request{InputPath: "/raw/sub-0001/241104/squid/AudOdd_raw.fif", Task: "AudOdd", Ext: ".fif"}
	plan, err := BuildPlan(req, cfg, t.TempDir())
	require.NoError(t, err)
	require.Contains(t, plan.Args, "-cal")
	require.Contains(t, plan.Args, "-ctc")
}

func TestBuildPlanRequiresCalibrationAndCrosstalk(t *testing.T) {
	cfg := &pipelineconfig.ProjectConfig{}
	req := Request{InputPath: "/raw/x.fif", Task: "AudOdd", Ext: ".fif"}
	_, err := BuildPlan(req, cfg, t.TempDir())
	require.Error(t, err)
}

func TestBuildPlanTSSSDefaultAddsTag(t *testing.T) {
	cfg := baseConfig()
	cfg.Maxfilter.StandardSettings.TSSSDefault = true
	req := Request{InputPath: "/raw/x.fif", Task: "AudOdd", Ext: ".fif"}
	plan, err := BuildPlan(req, cfg, t.TempDir())
	require.NoError(t, err)
	require.Contains(t, plan.Tags, "tsss")
	require.Contains(t, plan.Args, "-st")
}

func TestBuildPlanSSSFilesForcesPlainSSS(t *testing.T) {
	cfg := baseConfig()
	cfg.Maxfilter.StandardSettings.TSSSDefault = true
	cfg.Maxfilter.StandardSettings.SSSFiles = []string{"AudOdd"}
	req := Request{InputPath: "/raw/x.fif", Task: "AudOdd", Ext: ".fif"}
	plan, err := BuildPlan(req, cfg, t.TempDir())
	require.NoError(t, err)
	require.NotContains(t, plan.Tags, "tsss")
}

func TestBuildPlanNoiseForcesMovecompOff(t *testing.T) {
	cfg := baseConfig()
	cfg.Maxfilter.StandardSettings.MovecompDefault = true
	req := Request{InputPath: "/raw/x.fif", Task: "Noise", Ext: ".fif", IsNoise: true}
	plan, err := BuildPlan(req, cfg, t.TempDir())
	require.NoError(t, err)
	require.NotContains(t, plan.Tags, "mc")
}

func TestBuildPlanSkipsExistingDestination(t *testing.T) {
	cfg := baseConfig()
	dir := t.TempDir()
	req := Request{InputPath: filepath.Join(dir, "x.fif"), Task: "AudOdd", Ext: ".fif"}
	plan, err := BuildPlan(req, cfg, dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(plan.OutputPath, []byte("x"), 0o644))

	plan2, err := BuildPlan(req, cfg, dir)
	require.NoError(t, err)
	require.True(t, plan2.Skip)
}

func TestInvokerDebugModeSkipsExecution(t *testing.T) {
	cfg := baseConfig()
	dir := t.TempDir()
	req := Request{InputPath: filepath.Join(dir, "x.fif"), Task: "AudOdd", Ext: ".fif"}
	plan, err := BuildPlan(req, cfg, dir)
	require.NoError(t, err)

	inv := &Invoker{BinaryPath: "maxfilter", Debug: true}
	err = inv.Run(context.Background(), plan, filepath.Join(dir, "log"))
	require.NoError(t, err)
	_, statErr := os.Stat(plan.OutputPath)
	require.True(t, os.IsNotExist(statErr))
}

func TestInvokerRunsTrueBinary(t *testing.T) {
	dir := t.TempDir()
	plan := Plan{Args: []string{}, OutputPath: filepath.Join(dir, "out.fif")}
	inv := &Invoker{BinaryPath: "true"}
	err := inv.Run(context.Background(), plan, filepath.Join(dir, "log"))
	require.NoError(t, err)
}

func TestInvokerCancelsWithinGrace(t *testing.T) {
	dir := t.TempDir()
	plan := Plan{Args: []string{"5"}, OutputPath: filepath.Join(dir, "out.fif")}
	inv := &Invoker{BinaryPath: "sleep"}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := inv.Run(ctx, plan, filepath.Join(dir, "log"))
	require.Error(t, err)
}
