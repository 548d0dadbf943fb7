package convert

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/natmeg/pipeline/pipelineerr"
	"github.com/natmeg/pipeline/provenance"
)

// RawReader loads a raw recording through the external MEG library,
// tolerating shield-on files (spec §4.8 step 1).
type RawReader interface {
	Read(path string) (RawHandle, error)
}

// RawHandle is an opaque handle to a loaded raw recording; datatype
// writers consume it without this package needing to know its internals.
type RawHandle interface {
	Close() error
}

// BIDSWriter is the external BIDS-format writer (spec §4.8 step 4). It
// may reject a file (e.g. unsupported montage); the caller falls back to
// RawSaver in that case.
type BIDSWriter interface {
	WriteMEG(handle RawHandle, bidsPath string) error
	WriteEEG(handle RawHandle, bidsPath string) error
}

// RawSaver is the fallback path when BIDSWriter rejects a file: save the
// loaded recording verbatim at the computed BIDS filename.
type RawSaver interface {
	Save(handle RawHandle, bidsPath string) error
}

// ChannelsMerger merges the OPM source directory's channels.tsv columns
// into the BIDS-emitted channels.tsv for processing-tag-free OPM
// recordings (spec §4.8 step 5). Merge key is channel name.
type ChannelsMerger interface {
	Merge(sourceChannelsTSV, bidsChannelsTSV string) error
}

// Writer executes StatusRun rows into the BIDS tree.
type Writer struct {
	Raw      RawReader
	BIDS     BIDSWriter
	Fallback RawSaver
	Channels ChannelsMerger
	Store    *provenance.Store
}

// Run processes every row whose status is StatusRun, in table order
// (spec §5: "writer processes rows sequentially"). Rows sharing subject,
// session, task, processing and description (such as a base file and its
// "-<N>.fif" split siblings) are grouped by ConsolidateSplits and appended as a single
// BidsRecord with a multi-element source_path/bids_path, per spec §4.3's
// split consolidation and §4.8 step 6. Returns the updated rows; the
// caller is responsible for persisting them back through the Planner.
func (w *Writer) Run(rows []ConversionRow) ([]ConversionRow, error) {
	out := make([]ConversionRow, len(rows))
	copy(out, rows)

	indexByKey := make(map[string]int, len(out))
	for i, r := range out {
		indexByKey[r.key()] = i
	}

	for _, group := range ConsolidateSplits(out) {
		needsRun := false
		for _, r := range group {
			if r.Status == StatusRun {
				needsRun = true
				break
			}
		}
		if !needsRun {
			continue
		}
		if err := w.processGroup(group, indexByKey, out); err != nil {
			return out, err
		}
	}
	return out, nil
}

// processGroup writes one split-consolidated group's BIDS output. The
// base file (lowest split index, -1 when there is no split suffix) is
// the one actually read and written; sibling splits contribute only
// their raw path to the resulting BidsRecord's source_path array, per
// spec's S6 scenario (base file first, then split 1, 2, ...).
func (w *Writer) processGroup(group []ConversionRow, indexByKey map[string]int, out []ConversionRow) error {
	sort.Slice(group, func(i, j int) bool { return group[i].Split < group[j].Split })
	primary := group[0]

	sourcePath := filepath.Join(primary.RawDir, primary.RawFilename)
	bidsPath := filepath.Join(primary.BIDSDir, primary.BIDSFilename)

	if err := os.MkdirAll(primary.BIDSDir, 0o755); err != nil {
		return pipelineerr.Wrap(pipelineerr.KindIO, primary.BIDSDir, err)
	}
	if err := w.writeRow(&primary, sourcePath, bidsPath); err != nil {
		return err
	}

	sourcePaths := make([]string, len(group))
	bidsPaths := make([]string, len(group))
	for i, r := range group {
		sourcePaths[i] = filepath.Join(r.RawDir, r.RawFilename)
		bidsPaths[i] = bidsPath
	}

	now := time.Now().UTC()
	rec := provenance.BidsRecord{
		SourcePath:  sourcePaths,
		BidsPath:    bidsPaths,
		Participant: primary.TargetSubject,
		Session:     primary.TargetSession,
		Task:        primary.Task,
		Acquisition: primary.Acquisition,
		Datatype:    primary.Datatype,
		Status:      provenance.ConvProcessed,
		Timestamp:   now,
	}
	if srcInfo, err := os.Stat(sourcePath); err == nil {
		rec.SourceSize = srcInfo.Size()
	}
	if dstInfo, err := os.Stat(bidsPath); err == nil {
		rec.BidsSize = dstInfo.Size()
	}
	if primary.Processing != "" {
		rec.Processing = strings.Split(primary.Processing, "+")
	}
	if err := w.Store.AppendBids(rec); err != nil {
		return err
	}

	for _, r := range group {
		if idx, ok := indexByKey[r.key()]; ok {
			out[idx].Status = StatusProcessed
		}
	}
	return nil
}

// writeRow materializes one row's raw file at its computed BIDS path:
// .pos and trans-tagged files are copied verbatim with their native
// writers, everything else goes through the external BIDS writer with a
// raw-save fallback (spec §4.8 steps 3-5).
func (w *Writer) writeRow(row *ConversionRow, sourcePath, bidsPath string) error {
	ext := strings.ToLower(filepath.Ext(sourcePath))
	switch {
	case ext == ".pos":
		if err := copyVerbatim(sourcePath, bidsPath); err != nil {
			return pipelineerr.Wrap(pipelineerr.KindIO, sourcePath, err)
		}
	case strings.Contains(row.Description, "trans"):
		if err := copyVerbatim(sourcePath, bidsPath); err != nil {
			return pipelineerr.Wrap(pipelineerr.KindIO, sourcePath, err)
		}
	default:
		if err := w.writeDatatype(row, sourcePath, bidsPath); err != nil {
			return err
		}
	}

	if row.Acquisition == "opm" && row.Processing == "" {
		if err := w.mergeOPMChannels(row); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeDatatype(row *ConversionRow, sourcePath, bidsPath string) error {
	handle, err := w.Raw.Read(sourcePath)
	if err != nil {
		return pipelineerr.Wrap(pipelineerr.KindIO, sourcePath, err)
	}
	defer handle.Close()

	var writeErr error
	if row.Datatype == "eeg" {
		writeErr = w.BIDS.WriteEEG(handle, bidsPath)
	} else {
		writeErr = w.BIDS.WriteMEG(handle, bidsPath)
	}
	if writeErr != nil {
		if w.Fallback == nil {
			return pipelineerr.Wrap(pipelineerr.KindExternal, sourcePath, writeErr)
		}
		if err := w.Fallback.Save(handle, bidsPath); err != nil {
			return pipelineerr.Wrap(pipelineerr.KindExternal, sourcePath, err)
		}
	}
	return nil
}

func (w *Writer) mergeOPMChannels(row *ConversionRow) error {
	if w.Channels == nil {
		return nil
	}
	sourceTSV := filepath.Join(row.RawDir, "channels.tsv")
	if _, err := os.Stat(sourceTSV); err != nil {
		return nil // no colocated channels.tsv to merge
	}
	bidsTSV := filepath.Join(row.BIDSDir, strings.TrimSuffix(row.BIDSFilename, filepath.Ext(row.BIDSFilename))+"_channels.tsv")
	if err := w.Channels.Merge(sourceTSV, bidsTSV); err != nil {
		return pipelineerr.Wrap(pipelineerr.KindExternal, sourceTSV, err)
	}
	return nil
}

func copyVerbatim(source, dest string) error {
	data, err := os.ReadFile(source)
	if err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0o644)
}

// DewarPosition classifies a gantry angle per spec §4.8's sidecar rule:
// "upright" if > 0 degrees, else "supine", with the angle parenthesized.
func DewarPosition(gantryAngleDeg float64) string {
	label := "supine"
	if gantryAngleDeg > 0 {
		label = "upright"
	}
	return fmt.Sprintf("%s (%s deg)", label, strconv.FormatFloat(gantryAngleDeg, 'f', 1, 64))
}
