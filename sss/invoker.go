// Package sss implements the signal-separation (SSS/tSSS) invoker
// (pipeline stage C6): it assembles the external maxfilter-style binary's
// argument vector from configuration, runs it (or prints it and skips in
// debug mode), and computes the average head position needed for
// continuous-HPI tasks.
//
// The subprocess lifecycle — start, wait, SIGTERM on cancellation,
// SIGKILL after a grace window — is grounded on manager/process.go's
// requestKill, adapted from a long-lived restart loop to a one-shot
// context-bound invocation.
package sss

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/natmeg/pipeline/log"
	"github.com/natmeg/pipeline/pipelineconfig"
	"github.com/natmeg/pipeline/pipelineerr"
)

// killGrace is the SIGTERM→SIGKILL window spec §5 mandates for every
// subprocess invocation.
const killGrace = 1 * time.Second

// Request describes one file to run through the SSS binary.
type Request struct {
	InputPath string
	Task      string
	Session   string
	Subject   string
	Ext       string // extension including dot, e.g. ".fif"
	IsNoise   bool   // task matched the noise vocabulary
	AvgTrans  string // path to the average trans file, set iff trans applies
}

// Plan is one request's assembled argument vector and derived metadata.
type Plan struct {
	Args          []string
	Tags          []string // ordered, joined with "+" for the output filename
	OutputPath    string
	Skip          bool // destination already exists and overwrite is false
	SkipReason    string
}

// BuildPlan assembles the argument vector per spec §4.6's flag table.
func BuildPlan(req Request, cfg *pipelineconfig.ProjectConfig, binaryDir string) (Plan, error) {
	std := cfg.Maxfilter.StandardSettings
	adv := cfg.Maxfilter.AdvancedSettings

	if cfg.Project.Calibration == "" || cfg.Project.Crosstalk == "" {
		return Plan{}, pipelineerr.Wrap(pipelineerr.KindConfig, req.InputPath,
			fmt.Errorf("calibration and crosstalk paths are required"))
	}

	var args []string
	var tags []string

	args = append(args, "-cal", cfg.Project.Calibration)
	args = append(args, "-ctc", cfg.Project.Crosstalk)

	useTSSS := std.TSSSDefault && !hasString(std.SSSFiles, req.Task)
	if useTSSS {
		args = append(args, "-st")
		tags = append(tags, "tsss")
	}

	if std.Correlation > 0 {
		args = append(args, "-corr", strconv.FormatFloat(std.Correlation, 'f', -1, 64))
		tags = append(tags, fmt.Sprintf("corr%02d", int(math.Round(std.Correlation*100))))
	}

	useMovecomp := std.MovecompDefault && !req.IsNoise
	if useMovecomp {
		args = append(args, "-movecomp")
		tags = append(tags, "mc")
	}

	if adv.Downsample && adv.DownsampleFactor > 1 {
		args = append(args, "-ds", strconv.Itoa(adv.DownsampleFactor))
		tags = append(tags, fmt.Sprintf("dsfactor-%d", adv.DownsampleFactor))
	}

	if std.Autobad != "" {
		args = append(args, "-autobad", std.Autobad, "-badlimit", strconv.Itoa(std.Badlimit))
		tags = append(tags, "autobad_"+std.Autobad)
	}

	if len(std.BadChannels) > 0 {
		list := strings.Join(std.BadChannels, ",")
		args = append(args, "-bad", list)
		tags = append(tags, "_bad_"+list)
	}

	if adv.ApplyLinefreq {
		args = append(args, "-linefreq", strconv.FormatFloat(adv.LinefreqHz, 'f', -1, 64))
		tags = append(tags, fmt.Sprintf("linefreq-%g", adv.LinefreqHz))
	}

	if adv.Force {
		args = append(args, "-force")
	}

	useTrans := !req.IsNoise && std.TransOption == "continous" && hasString(std.TransConditions, req.Task) && req.AvgTrans != ""
	if useTrans {
		args = append(args, "-trans", req.AvgTrans)
		tags = append(tags, "avgHead")
	}

	if adv.ExtraArgs != "" {
		args = append(args, strings.Fields(adv.ExtraArgs)...)
	}

	outName := fmt.Sprintf("%s_proc-%s_meg%s", strings.TrimSuffix(filepath.Base(req.InputPath), req.Ext), strings.Join(tags, "+"), req.Ext)
	outputPath := filepath.Join(binaryDir, outName)

	args = append([]string{req.InputPath, "-o", outputPath}, args...)

	plan := Plan{Args: args, Tags: tags, OutputPath: outputPath}
	if !cfg.BIDS.Overwrite {
		if _, err := os.Stat(outputPath); err == nil {
			plan.Skip = true
			plan.SkipReason = "destination exists and overwrite is disabled"
		}
	}
	return plan, nil
}

func hasString(in []string, v string) bool {
	for _, s := range in {
		if s == v {
			return true
		}
	}
	return false
}

// Invoker runs assembled Plans against the external SSS binary, or in
// debug mode prints the command and skips execution.
type Invoker struct {
	BinaryPath string
	Debug      bool
	Logger     *log.Logger
}

// Run executes plan.Args through the SSS binary with a per-file log under
// <session>/squid/log/, honoring ctx cancellation with the SIGTERM-then-
// SIGKILL-after-1s protocol spec §5 mandates.
func (inv *Invoker) Run(ctx context.Context, plan Plan, logDir string) error {
	if plan.Skip {
		if inv.Logger != nil {
			inv.Logger.Info("skipped", log.F("output", plan.OutputPath), log.F("reason", plan.SkipReason))
		}
		return nil
	}

	if inv.Debug {
		if inv.Logger != nil {
			inv.Logger.Info("debug: would run", log.F("binary", inv.BinaryPath), log.F("args", strings.Join(plan.Args, " ")))
		}
		return nil
	}

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return pipelineerr.Wrap(pipelineerr.KindIO, logDir, err)
	}
	logPath := filepath.Join(logDir, strings.TrimSuffix(filepath.Base(plan.OutputPath), filepath.Ext(plan.OutputPath))+".log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return pipelineerr.Wrap(pipelineerr.KindIO, logPath, err)
	}
	defer logFile.Close()

	cmd := exec.Command(inv.BinaryPath, plan.Args...)
	fmt.Fprintf(logFile, "$ %s %s\n", inv.BinaryPath, strings.Join(plan.Args, " "))
	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	if err := cmd.Start(); err != nil {
		logFile.Write(combined.Bytes())
		return pipelineerr.Wrap(pipelineerr.KindExternal, plan.OutputPath, err)
	}

	exitCh := make(chan error, 1)
	go func() { exitCh <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		if err := requestKill(cmd, exitCh); err != nil {
			logFile.Write(combined.Bytes())
			return pipelineerr.Wrap(pipelineerr.KindCancelled, plan.OutputPath, err)
		}
		logFile.Write(combined.Bytes())
		return pipelineerr.Wrap(pipelineerr.KindCancelled, plan.OutputPath, pipelineerr.ErrCancelled)
	case err := <-exitCh:
		logFile.Write(combined.Bytes())
		if err != nil {
			return pipelineerr.Wrap(pipelineerr.KindExternal, plan.OutputPath, err)
		}
		return nil
	}
}

// requestKill mirrors manager/process.go's shutdown sequence: SIGTERM,
// then SIGKILL if the process has not exited within killGrace.
func requestKill(cmd *exec.Cmd, exitCh chan error) error {
	if cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return err
	}
	timeout := time.After(killGrace)
	select {
	case <-timeout:
		if err := cmd.Process.Kill(); err != nil {
			return err
		}
		<-exitCh
		return fmt.Errorf("timed out waiting for SIGTERM, process killed")
	case err := <-exitCh:
		return err
	}
}

// AverageHeadPosition is the external continuous-HPI routine's shape
// (spec §4.6): it computes per-sample head positions across one or more
// task raw files and returns the average device→head transform's
// inverse, plus the full trajectory for the .pos sidecar.
type AverageHeadPosition interface {
	Compute(rawFiles []string) (avgTransInverse [4][4]float64, trajectory []HeadPositionSample, err error)
}

// HeadPositionSample is one row of a *_headpos.pos trajectory.
type HeadPositionSample struct {
	TimeSec   float64
	Transform [4][4]float64
	GOF       float64
}

// WriteAverageTrans invokes the external routine once for a trans_conditions
// task, passing all of rawFiles in a single Compute call whether or not
// mergeRuns is set (when it is not set, the files are only sorted first),
// and writes <task>_trans.fif and <task>_headpos.pos into outDir.
func WriteAverageTrans(task string, rawFiles []string, mergeRuns bool, routine AverageHeadPosition, outDir string) (transPath, posPath string, err error) {
	if !mergeRuns {
		sort.Strings(rawFiles)
	}
	inverse, trajectory, err := routine.Compute(rawFiles)
	if err != nil {
		return "", "", pipelineerr.Wrap(pipelineerr.KindExternal, task, err)
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", "", pipelineerr.Wrap(pipelineerr.KindIO, outDir, err)
	}
	transPath = filepath.Join(outDir, task+"_trans.fif")
	posPath = filepath.Join(outDir, task+"_headpos.pos")

	if err := writeTransPlaceholder(transPath, inverse); err != nil {
		return "", "", err
	}
	if err := writeTrajectory(posPath, trajectory); err != nil {
		return "", "", err
	}
	return transPath, posPath, nil
}

// writeTransPlaceholder and writeTrajectory are deliberately minimal: the
// real 4x4-transform .fif writer and .pos trajectory writer live in the
// external MEG library; what this package owns is assembling the inputs
// and the file layout, not the binary container formats.
func writeTransPlaceholder(path string, transform [4][4]float64) error {
	f, err := os.Create(path)
	if err != nil {
		return pipelineerr.Wrap(pipelineerr.KindIO, path, err)
	}
	defer f.Close()
	for _, row := range transform {
		fmt.Fprintln(f, row)
	}
	return nil
}

func writeTrajectory(path string, samples []HeadPositionSample) error {
	f, err := os.Create(path)
	if err != nil {
		return pipelineerr.Wrap(pipelineerr.KindIO, path, err)
	}
	defer f.Close()
	for _, s := range samples {
		fmt.Fprintf(f, "%f\t%f\n", s.TimeSec, s.GOF)
	}
	return nil
}
