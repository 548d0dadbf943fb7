// Package hpi implements the HPI coregistration solver (pipeline stage
// C5): it locates head-position-indicator coils in device (sensor) frame
// from a raw OPM recording, matches them to digitized head-frame coils,
// and fits the rigid device→head transform.
//
// There is no equivalent numerical routine in the teacher or the rest of
// the example pack — the teacher's domain is log ingestion, not signal
// processing — so this component reaches past the pack for
// gonum.org/v1/gonum (mat for the Kabsch/SVD rigid-transform fit,
// spatial/kdtree for the nearest-neighbor coil match spec §4.5 calls
// for), the idiomatic Go choice for exactly this class of problem. The
// pipeline-level shape — drop bad input, enumerate units of work, invoke
// an external collaborator per unit, classify failures by Kind — mirrors
// original_source/utils.py's HPI routines and pipelineerr's taxonomy.
package hpi

import (
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/kdtree"

	"github.com/natmeg/pipeline/pipelineerr"
)

// Vec3 is a point or vector in 3-D space, in meters unless noted.
type Vec3 [3]float64

func (v Vec3) sub(o Vec3) Vec3 { return Vec3{v[0] - o[0], v[1] - o[1], v[2] - o[2]} }
func (v Vec3) norm() float64   { return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2]) }

// Channel is one MEG channel's static metadata, as carried in the raw
// recording (spec §4.5 step 1/2).
type Channel struct {
	Name string
	Kind string // "mag", "grad", "misc", ...
	Bad  bool
	Pos  Vec3
}

// DriveSignal is one HPI coil's drive-channel time series.
type DriveSignal struct {
	Channel Channel
	Samples []float64
}

// RawHPIRecording is the C5 input extracted from the raw file: channel
// table, per-coil drive signals, and sampling rate.
type RawHPIRecording struct {
	SampleRate float64
	Channels   []Channel
	Drives     []DriveSignal
}

// Digitization carries the fiducials and digitized HPI coil positions in
// head frame, plus any other digitization points that must be carried
// through untouched (spec §4.5 step 7).
type Digitization struct {
	Nasion      Vec3
	LPA         Vec3
	RPA         Vec3
	HPICoils    []Vec3
	ExtraPoints []Vec3
}

// CoilAmplitude is the chirp-fit output for one coil: a complex slope per
// sensor (spec §4.5 step 4).
type CoilAmplitude struct {
	SensorNames []string
	Slopes      []complex128
}

// ChirpFitter is the external routine that extracts per-sensor complex
// amplitudes from a coil's 2 s analysis window. Implementations typically
// delegate to the MEG library's chirp-fit.
type ChirpFitter interface {
	FitChirp(rec RawHPIRecording, coilIndex int, window Window) (CoilAmplitude, error)
}

// CoilLocalizer is the external routine that turns a coils × sensors
// amplitude matrix into per-coil device-frame positions and goodness of
// fit. Implementations typically delegate to the MEG library's dipole
// localizer.
type CoilLocalizer interface {
	Localize(amplitudes []CoilAmplitude, sensorPositions []Vec3) ([]Localization, error)
}

// Localization is one coil's device-frame position and fit quality.
type Localization struct {
	Position Vec3
	GOF      float64
}

// Window is a sample-index interval [Start, End).
type Window struct {
	Start, End int
}

// RawHandle is one raw recording loaded through RawIO, kept open across
// Solve and the step 7 apply/save sequence. Implementations delegate to
// the MEG library the same way ChirpFitter/CoilLocalizer delegate the
// chirp fit and dipole localization.
type RawHandle interface {
	Recording() RawHPIRecording
	Digitization() Digitization

	// ApplyTransform writes the fitted device->head transform onto the
	// recording and rebuilds its digitization point list from dig
	// (spec §4.5 step 7).
	ApplyTransform(t RigidTransform, dig Digitization) error
	// Resample downsamples the recording to targetHz.
	Resample(targetHz float64) error
	// Save writes the recording to outPath.
	Save(outPath string) error

	Close() error
}

// RawIO opens the raw recording and its companion digitization that
// Solve consumes (spec §4.5 steps 1-2), and is reused by ApplyAndSave to
// write the coregistered output (step 7).
type RawIO interface {
	Open(path string) (RawHandle, error)
}

// CoilQuality is the exposed per-coil status in a session's HPIFit
// (spec §4.5's quality record).
type CoilQuality struct {
	Name   string
	GOF    float64
	Status string // "ok" or "not_ok"
}

// HPIFit is the result of coregistering one session (spec §3).
type HPIFit struct {
	Coils           []CoilQuality
	DevicePositions []Vec3
	HeadPositions   []Vec3
	Fiducials       Digitization
	Transform       RigidTransform
	ResidualMM      float64
	DroppedChannels []string
	NeedsReview     bool
}

// RigidTransform is a proper rotation plus translation, device→head.
type RigidTransform struct {
	R [3][3]float64
	T Vec3
}

// Apply maps a device-frame point into head frame.
func (t RigidTransform) Apply(p Vec3) Vec3 {
	var out Vec3
	for i := 0; i < 3; i++ {
		out[i] = t.R[i][0]*p[0] + t.R[i][1]*p[1] + t.R[i][2]*p[2] + t.T[i]
	}
	return out
}

const (
	gofThreshold       = 0.9
	degenerateRadiusM  = 0.001 // 1 mm
	peakMinHeight      = 1e-4
	residualWarnMM     = 10.0
	analysisHalfWidthS = 1.0
)

// Solve runs the full C5 pipeline for one session.
func Solve(rec RawHPIRecording, dig Digitization, hpiFreqHz float64, chirp ChirpFitter, localizer CoilLocalizer) (HPIFit, error) {
	goodChannels, dropped := dropBadSensors(rec.Channels)

	driveCoils := identifyDriveChannels(rec.Drives, goodChannels)
	if len(driveCoils) < 3 {
		return HPIFit{DroppedChannels: dropped}, pipelineerr.Wrap(pipelineerr.KindDataQuality, "hpi",
			fmt.Errorf("only %d HPI coil(s) found, need at least 3", len(driveCoils)))
	}

	windows := make([]Window, len(driveCoils))
	for i, d := range driveCoils {
		w, err := activationWindow(d.Samples, rec.SampleRate, hpiFreqHz)
		if err != nil {
			return HPIFit{DroppedChannels: dropped}, pipelineerr.Wrap(pipelineerr.KindDataQuality, d.Channel.Name, err)
		}
		windows[i] = w
	}

	amplitudes := make([]CoilAmplitude, len(driveCoils))
	for i := range driveCoils {
		amp, err := chirp.FitChirp(rec, i, windows[i])
		if err != nil {
			return HPIFit{DroppedChannels: dropped}, pipelineerr.Wrap(pipelineerr.KindExternal, driveCoils[i].Channel.Name, err)
		}
		amplitudes[i] = amp
	}

	sensorPositions := sensorPositionsFor(goodChannels)
	locs, err := localizer.Localize(amplitudes, sensorPositions)
	if err != nil {
		return HPIFit{DroppedChannels: dropped}, pipelineerr.Wrap(pipelineerr.KindExternal, "localize", err)
	}

	coilQuality := make([]CoilQuality, len(locs))
	goodIdx := make([]int, 0, len(locs))
	for i, l := range locs {
		status := "not_ok"
		if l.GOF > gofThreshold {
			status = "ok"
			goodIdx = append(goodIdx, i)
		}
		coilQuality[i] = CoilQuality{Name: driveCoils[i].Channel.Name, GOF: l.GOF, Status: status}
	}
	if len(goodIdx) == 0 {
		return HPIFit{Coils: coilQuality, DroppedChannels: dropped},
			pipelineerr.Wrap(pipelineerr.KindDataQuality, "hpi", fmt.Errorf("no coil exceeded gof threshold %.2f", gofThreshold))
	}

	devicePoints := make([]Vec3, len(goodIdx))
	for i, idx := range goodIdx {
		devicePoints[i] = locs[idx].Position
	}

	matchedHead, err := matchCoils(devicePoints, dig.HPICoils)
	if err != nil {
		return HPIFit{Coils: coilQuality, DroppedChannels: dropped}, pipelineerr.Wrap(pipelineerr.KindDataQuality, "hpi-match", err)
	}

	transform, err := FitRigidTransform(devicePoints, matchedHead)
	if err != nil {
		return HPIFit{Coils: coilQuality, DroppedChannels: dropped}, pipelineerr.Wrap(pipelineerr.KindDataQuality, "hpi-transform", err)
	}

	residual := meanResidualMM(transform, devicePoints, matchedHead)

	return HPIFit{
		Coils:           coilQuality,
		DevicePositions: devicePoints,
		HeadPositions:   matchedHead,
		Fiducials:       dig,
		Transform:       transform,
		ResidualMM:      residual,
		DroppedChannels: dropped,
		NeedsReview:     residual > residualWarnMM,
	}, nil
}

// ApplyAndSave performs spec §4.5 step 7: push the fitted transform onto
// the loaded recording (which rebuilds its digitization point list),
// optionally resample, and save alongside the original recording under
// the "<original_base>_proc-hpi[+ds]_meg.<ext>" naming convention. It
// returns the path written. downsampleHz <= 0 skips resampling and omits
// the "+ds" tag.
func ApplyAndSave(handle RawHandle, fit HPIFit, originalPath string, downsampleHz float64) (string, error) {
	if err := handle.ApplyTransform(fit.Transform, fit.Fiducials); err != nil {
		return "", pipelineerr.Wrap(pipelineerr.KindExternal, originalPath, err)
	}

	tag := "proc-hpi"
	if downsampleHz > 0 {
		if err := handle.Resample(downsampleHz); err != nil {
			return "", pipelineerr.Wrap(pipelineerr.KindExternal, originalPath, err)
		}
		tag = "proc-hpi+ds"
	}

	outPath := procOutputPath(originalPath, tag)
	if err := handle.Save(outPath); err != nil {
		return "", pipelineerr.Wrap(pipelineerr.KindIO, outPath, err)
	}
	return outPath, nil
}

// procOutputPath builds <original_base>_proc-hpi[+ds]_meg.<ext> next to
// originalPath, stripping a trailing "_raw" token from the base the same
// way the rest of the acquisition-name vocabulary is stripped in ident.
func procOutputPath(originalPath, tag string) string {
	dir := filepath.Dir(originalPath)
	ext := filepath.Ext(originalPath)
	base := strings.TrimSuffix(filepath.Base(originalPath), ext)
	base = strings.TrimSuffix(base, "_raw")
	return filepath.Join(dir, fmt.Sprintf("%s_%s_meg%s", base, tag, ext))
}

// dropBadSensors removes channels marked bad by acquisition and any
// magnetometer within 1 mm of the origin (spec §4.5 step 1).
func dropBadSensors(channels []Channel) (good []Channel, dropped []string) {
	for _, c := range channels {
		if c.Bad {
			dropped = append(dropped, c.Name)
			continue
		}
		if c.Kind == "mag" && c.Pos.norm() < degenerateRadiusM {
			dropped = append(dropped, c.Name)
			continue
		}
		good = append(good, c)
	}
	return good, dropped
}

// identifyDriveChannels keeps only drive signals whose channel survived
// dropBadSensors and whose name contains "out" (spec §4.5 step 2).
func identifyDriveChannels(drives []DriveSignal, good []Channel) []DriveSignal {
	alive := map[string]bool{}
	for _, c := range good {
		alive[c.Name] = true
	}
	var out []DriveSignal
	for _, d := range drives {
		if !alive[d.Channel.Name] {
			continue
		}
		if !strings.Contains(strings.ToLower(d.Channel.Name), "out") {
			continue
		}
		out = append(out, d)
	}
	return out
}

// activationWindow finds the 2 s analysis window centered on a drive
// channel's peak activity (spec §4.5 step 3).
func activationWindow(samples []float64, sampleRate, hpiFreq float64) (Window, error) {
	minDistance := int(math.Round(sampleRate/hpiFreq)) - 2
	if minDistance < 1 {
		minDistance = 1
	}
	peaks := findPeaks(samples, minDistance, peakMinHeight)
	if len(peaks) == 0 {
		return Window{}, fmt.Errorf("no peaks found in drive channel")
	}
	first, last := peaks[0], peaks[len(peaks)-1]
	mid := (first + last) / 2
	half := int(math.Round(analysisHalfWidthS * sampleRate))
	start := mid - half
	if start < 0 {
		start = 0
	}
	end := mid + half
	if end > len(samples) {
		end = len(samples)
	}
	return Window{Start: start, End: end}, nil
}

// findPeaks is a simple local-maximum detector enforcing a minimum
// inter-peak distance and minimum height, in the spirit of the MEG
// library's chirp-detection peak finder referenced by spec §4.5 step 3.
func findPeaks(samples []float64, minDistance int, minHeight float64) []int {
	var candidates []int
	for i := 1; i < len(samples)-1; i++ {
		if samples[i] < minHeight {
			continue
		}
		if samples[i] >= samples[i-1] && samples[i] >= samples[i+1] {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool { return samples[candidates[i]] > samples[candidates[j]] })

	var kept []int
	for _, c := range candidates {
		ok := true
		for _, k := range kept {
			if abs(c-k) < minDistance {
				ok = false
				break
			}
		}
		if ok {
			kept = append(kept, c)
		}
	}
	sort.Ints(kept)
	return kept
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func sensorPositionsFor(channels []Channel) []Vec3 {
	out := make([]Vec3, 0, len(channels))
	for _, c := range channels {
		if c.Kind == "mag" || c.Kind == "grad" {
			out = append(out, c.Pos)
		}
	}
	return out
}

// matchCoils performs the nearest-neighbor device→digitized match of
// spec §4.5 step 5, using gonum's kdtree.Point/Points (plain []float64
// coordinates, Euclidean distance) since the coil count is always small
// and the built-in Point type already satisfies Comparable. The match
// must be bijective on the gof-filtered subset.
func matchCoils(device []Vec3, digitized []Vec3) ([]Vec3, error) {
	if len(digitized) < len(device) {
		return nil, fmt.Errorf("fewer digitized coils (%d) than localized coils (%d)", len(digitized), len(device))
	}

	pts := make(kdtree.Points, len(digitized))
	for i, v := range digitized {
		pts[i] = kdtree.Point{v[0], v[1], v[2]}
	}
	tree := kdtree.New(pts, false)

	matched := make([]Vec3, len(device))
	usedIdx := map[int]bool{}
	for i, d := range device {
		query := kdtree.Point{d[0], d[1], d[2]}
		nearest, _ := tree.Nearest(query)
		found := nearest.(kdtree.Point)

		idx, err := findDigitizedIndex(digitized, found)
		if err != nil {
			return nil, err
		}
		if usedIdx[idx] {
			return nil, fmt.Errorf("nearest-neighbor match is not bijective: digitized coil %d claimed twice", idx)
		}
		usedIdx[idx] = true
		matched[i] = digitized[idx]
	}
	return matched, nil
}

func findDigitizedIndex(digitized []Vec3, p kdtree.Point) (int, error) {
	for i, v := range digitized {
		if v[0] == p[0] && v[1] == p[1] && v[2] == p[2] {
			return i, nil
		}
	}
	return 0, fmt.Errorf("matched point not found among digitized coils")
}

// FitRigidTransform solves the matched-point rigid registration problem
// (spec §4.5 step 6) using the Kabsch algorithm: the least-squares proper
// rotation plus translation, no scale, found via the SVD of the
// cross-covariance matrix. This is numerically equivalent to the
// quaternion-form solution the spec names.
func FitRigidTransform(device, head []Vec3) (RigidTransform, error) {
	if len(device) != len(head) || len(device) < 3 {
		return RigidTransform{}, fmt.Errorf("need >= 3 matched point pairs, got %d/%d", len(device), len(head))
	}

	deviceCentroid := centroid(device)
	headCentroid := centroid(head)

	h := mat.NewDense(3, 3, nil)
	for i := range device {
		dc := device[i].sub(deviceCentroid)
		hc := head[i].sub(headCentroid)
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+dc[r]*hc[c])
			}
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(h, mat.SVDFull); !ok {
		return RigidTransform{}, fmt.Errorf("SVD factorization of cross-covariance failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	d := 1.0
	if det3(&v)*det3(&u) < 0 {
		d = -1.0
	}
	diag := mat.NewDense(3, 3, nil)
	diag.Set(0, 0, 1)
	diag.Set(1, 1, 1)
	diag.Set(2, 2, d)

	var tmp, rMat mat.Dense
	tmp.Mul(&v, diag)
	rMat.Mul(&tmp, u.T())

	var rt RigidTransform
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			rt.R[r][c] = rMat.At(r, c)
		}
	}
	rotatedCentroid := rt.applyRotation(deviceCentroid)
	rt.T = headCentroid.sub(rotatedCentroid)

	return rt, nil
}

func (t RigidTransform) applyRotation(p Vec3) Vec3 {
	var out Vec3
	for i := 0; i < 3; i++ {
		out[i] = t.R[i][0]*p[0] + t.R[i][1]*p[1] + t.R[i][2]*p[2]
	}
	return out
}

func centroid(pts []Vec3) Vec3 {
	var c Vec3
	for _, p := range pts {
		c[0] += p[0]
		c[1] += p[1]
		c[2] += p[2]
	}
	n := float64(len(pts))
	return Vec3{c[0] / n, c[1] / n, c[2] / n}
}

func det3(m *mat.Dense) float64 {
	a, b, c := m.At(0, 0), m.At(0, 1), m.At(0, 2)
	d, e, f := m.At(1, 0), m.At(1, 1), m.At(1, 2)
	g, h, i := m.At(2, 0), m.At(2, 1), m.At(2, 2)
	return a*(e*i-f*h) - b*(d*i-f*g) + c*(d*h-e*g)
}

func meanResidualMM(t RigidTransform, device, head []Vec3) float64 {
	var total float64
	for i := range device {
		transformed := t.Apply(device[i])
		total += transformed.sub(head[i]).norm()
	}
	return (total / float64(len(device))) * 1000.0
}
