// Package convert implements the conversion planner (pipeline stage C7)
// and the BIDS writer (C8): the planner maintains the raw→BIDS work
// table and classifies each row's status; the writer materializes rows
// whose status is "run" into the BIDS tree and appends provenance.
//
// Grounded on ident's filename parsing for row derivation and
// renameio's atomic write-then-rename for the table itself;
// github.com/bmatcuk/doublestar/v4 supplies the recursive glob spec
// §4.7 step 1 calls for over the raw tree.
package convert

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/renameio"

	"github.com/natmeg/pipeline/ident"
	"github.com/natmeg/pipeline/pipelineconfig"
	"github.com/natmeg/pipeline/pipelineerr"
)

// RowStatus is one ConversionRow's place in the C7 state machine
// (spec §4.7).
type RowStatus string

const (
	StatusRun       RowStatus = "run"
	StatusCheck     RowStatus = "check"
	StatusSkipped   RowStatus = "skipped"
	StatusProcessed RowStatus = "processed"
)

// ConversionRow is one row of the work table (spec §3).
type ConversionRow struct {
	TimeStamp      string
	Status         RowStatus
	SourceSubject  string
	TargetSubject  string
	SourceSession  string
	TargetSession  string
	Task           string
	Split          int
	RunIndex       int
	Datatype       string
	Acquisition    string
	Processing     string
	Description    string
	RawDir         string
	RawFilename    string
	BIDSDir        string
	BIDSFilename   string
	EventsFilename string
}

// key identifies a row independent of time_stamp, for idempotence
// comparisons and table diffing (spec §4.7's idempotence property).
func (r ConversionRow) key() string {
	return strings.Join([]string{
		r.SourceSubject, r.SourceSession, r.Task,
		strconv.Itoa(r.Split), strconv.Itoa(r.RunIndex),
		r.Datatype, r.Acquisition, r.Processing, r.Description,
		r.RawDir, r.RawFilename,
	}, "\x1f")
}

var columnOrder = []string{
	"time_stamp", "status", "source_subject", "target_subject",
	"source_session", "target_session", "task", "split", "run_index",
	"datatype", "acquisition", "processing", "description",
	"raw_dir", "raw_filename", "bids_dir", "bids_filename", "events_filename",
}

// excludePatterns are derivative markers spec §4.7 step 2 excludes from
// discovery: pipeline-produced outputs, not raw recordings. Split
// siblings ("-<N>.fif") are NOT excluded: they are discovered as their
// own rows so the writer can consolidate them into one BidsRecord per
// spec §4.3/§4.8 step 6 (ConsolidateSplits groups them back together by
// shared subject/session/task/processing/description).
var excludePatterns = []*regexp.Regexp{
	regexp.MustCompile(`proc-`),
	regexp.MustCompile(`_trans`),
	regexp.MustCompile(`avg\.fif$`),
}

// Planner maintains the work table for one project.
type Planner struct {
	Config      *pipelineconfig.ProjectConfig
	TablePath   string // <bids_root>/conversion_logs/bids_conversion.tsv
	Participant ParticipantMapper
	nowFunc     func() string
}

// ParticipantMapper resolves a source (subject, session) pair to the
// target BIDS (subject, session) pair, honoring an optional
// participant-mapping table (spec §4.2's participants_mapping_file).
type ParticipantMapper interface {
	Map(sourceSubject, sourceSession string) (targetSubject, targetSession string)
}

// IdentityMapper is the default ParticipantMapper: target == source,
// zero-padded to the project's subject id width.
type IdentityMapper struct{ Width int }

func (m IdentityMapper) Map(sourceSubject, sourceSession string) (string, string) {
	width := m.Width
	if width == 0 {
		width = 4
	}
	s := sourceSubject
	for len(s) < width {
		s = "0" + s
	}
	return s, sourceSession
}

// Plan runs one planner pass: discover raw files, classify each against
// the existing table, and persist the updated table (spec §4.7 steps
// 1-4).
func (p *Planner) Plan() ([]ConversionRow, error) {
	existing, err := p.loadTable()
	if err != nil {
		return nil, err
	}
	byKey := map[string]ConversionRow{}
	for _, r := range existing {
		byKey[r.key()] = r
	}

	discovered, err := p.discover()
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var rows []ConversionRow
	for _, d := range discovered {
		seen[d.key()] = true
		if old, ok := byKey[d.key()]; ok {
			fresh := d.Status
			d.Status = old.Status
			if _, err := os.Stat(filepath.Join(d.BIDSDir, d.BIDSFilename)); err != nil {
				d.Status = fresh
			}
			if old.Status == StatusSkipped {
				d.Status = StatusSkipped
			}
		}
		rows = append(rows, d)
	}

	// Rows previously in the table whose source file is gone entirely are
	// dropped; the diff only re-derives status for files still discovered.
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].SourceSubject != rows[j].SourceSubject {
			return rows[i].SourceSubject < rows[j].SourceSubject
		}
		if rows[i].SourceSession != rows[j].SourceSession {
			return rows[i].SourceSession < rows[j].SourceSession
		}
		return rows[i].RawFilename < rows[j].RawFilename
	})

	if err := p.saveTable(rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// discover enumerates raw_root/sub-*/<session>/{squid|opm}/*.fif and *.pos
// files, excluding derivative markers, and classifies each into a fresh
// ConversionRow (spec §4.7 steps 1-3).
func (p *Planner) discover() ([]ConversionRow, error) {
	pattern := filepath.ToSlash(filepath.Join(p.Config.Project.RawRoot, "sub-*", "*", "*", "*"))
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, pipelineerr.Wrap(pipelineerr.KindIO, pattern, err)
	}

	var rows []ConversionRow
	for _, m := range matches {
		base := filepath.Base(m)
		ext := strings.ToLower(filepath.Ext(base))
		if ext != ".fif" && ext != ".pos" {
			continue
		}
		if excluded(base) {
			continue
		}
		rows = append(rows, p.rowFor(m))
	}
	return rows, nil
}

func excluded(name string) bool {
	for _, re := range excludePatterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// rowFor derives a row from a discovered raw file. Subject and session
// come from the canonical raw_root/sub-<id>/<session>/{squid|opm}/
// directory layout C4 already established (the filename itself may not
// carry either token after OPM renaming); task, processing, description,
// datatype and extension come from ident.Parse on the filename.
func (p *Planner) rowFor(path string) ConversionRow {
	id := ident.Parse(path)
	sourceSubject, sourceSession := subjectSessionFromPath(path)
	if sourceSubject == "" {
		sourceSubject = id.Subject
	}
	if sourceSession == "" {
		sourceSession = id.Session
	}

	mapper := p.Participant
	if mapper == nil {
		mapper = IdentityMapper{}
	}
	targetSubject, targetSession := mapper.Map(sourceSubject, sourceSession)

	status := StatusRun
	if !p.Config.TaskRecognized(id.Task) && id.Task != "Noise" && id.Task != "NoiseBefore" && id.Task != "NoiseAfter" {
		status = StatusCheck
	}

	bidsDir := filepath.Join(p.Config.Project.BIDSRoot, "sub-"+targetSubject, "ses-"+targetSession, bidsDatatypeDir(id))
	bidsName := bidsFilename(targetSubject, targetSession, id)

	return ConversionRow{
		TimeStamp:     p.now(),
		Status:        status,
		SourceSubject: sourceSubject,
		TargetSubject: targetSubject,
		SourceSession: sourceSession,
		TargetSession: targetSession,
		Task:          id.Task,
		Split:         id.Split,
		Datatype:      firstOr(id.Datatypes, "meg"),
		Acquisition:   string(id.Acquisition),
		Processing:    strings.Join(id.Processing, "+"),
		Description:   strings.Join(id.Description, "+"),
		RawDir:        filepath.Dir(path),
		RawFilename:   filepath.Base(path),
		BIDSDir:       bidsDir,
		BIDSFilename:  bidsName,
	}
}

var rawDirSubject = regexp.MustCompile(`^sub-(\w+)$`)

// subjectSessionFromPath reads the subject/session tokens out of the
// raw_root/sub-<id>/<session>/{squid|opm}/<file> layout, walking up from
// the file's directory: one level up is the session folder, two levels
// up is "sub-<id>".
func subjectSessionFromPath(path string) (subject, session string) {
	acqDir := filepath.Dir(path)
	sessionDir := filepath.Dir(acqDir)
	subjectDir := filepath.Dir(sessionDir)
	if m := rawDirSubject.FindStringSubmatch(filepath.Base(subjectDir)); m != nil {
		subject = m[1]
	}
	session = filepath.Base(sessionDir)
	return subject, session
}

// bidsDatatypeDir maps a FileIdentity onto its BIDS modality directory;
// eeg/behav identities get their own folder, everything else (meg, opm)
// lands under "meg" since OPM recordings are BIDS-MEG data.
func bidsDatatypeDir(id ident.FileIdentity) string {
	for _, dt := range id.Datatypes {
		switch dt {
		case "eeg":
			return "eeg"
		case "behav":
			return "beh"
		}
	}
	return "meg"
}

func firstOr(in []string, fallback string) string {
	if len(in) == 0 {
		return fallback
	}
	return in[0]
}

func (p *Planner) now() string {
	if p.nowFunc != nil {
		return p.nowFunc()
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func bidsFilename(subject, session string, id ident.FileIdentity) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "sub-%s_ses-%s_task-%s", subject, session, id.Task)
	if len(id.Processing) > 0 {
		fmt.Fprintf(&sb, "_proc-%s", strings.Join(id.Processing, "+"))
	}
	sb.WriteString("_meg")
	sb.WriteString(id.Extension)
	return sb.String()
}

// loadTable reads the persisted TSV, tolerating a missing file.
func (p *Planner) loadTable() ([]ConversionRow, error) {
	f, err := os.Open(p.TablePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, pipelineerr.Wrap(pipelineerr.KindIO, p.TablePath, err)
	}
	defer f.Close()

	var rows []ConversionRow
	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue // header
		}
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) != len(columnOrder) {
			continue
		}
		split, _ := strconv.Atoi(fields[7])
		runIdx, _ := strconv.Atoi(fields[8])
		rows = append(rows, ConversionRow{
			TimeStamp: fields[0], Status: RowStatus(fields[1]),
			SourceSubject: fields[2], TargetSubject: fields[3],
			SourceSession: fields[4], TargetSession: fields[5],
			Task: fields[6], Split: split, RunIndex: runIdx,
			Datatype: fields[9], Acquisition: fields[10],
			Processing: fields[11], Description: fields[12],
			RawDir: fields[13], RawFilename: fields[14],
			BIDSDir: fields[15], BIDSFilename: fields[16], EventsFilename: fields[17],
		})
	}
	return rows, scanner.Err()
}

// saveTable writes the table atomically via renameio, matching the
// provenance store's crash-safety contract.
func (p *Planner) saveTable(rows []ConversionRow) error {
	if err := os.MkdirAll(filepath.Dir(p.TablePath), 0o755); err != nil {
		return pipelineerr.Wrap(pipelineerr.KindIO, p.TablePath, err)
	}
	var sb strings.Builder
	sb.WriteString(strings.Join(columnOrder, "\t"))
	sb.WriteByte('\n')
	for _, r := range rows {
		sb.WriteString(strings.Join([]string{
			r.TimeStamp, string(r.Status), r.SourceSubject, r.TargetSubject,
			r.SourceSession, r.TargetSession, r.Task, strconv.Itoa(r.Split), strconv.Itoa(r.RunIndex),
			r.Datatype, r.Acquisition, r.Processing, r.Description,
			r.RawDir, r.RawFilename, r.BIDSDir, r.BIDSFilename, r.EventsFilename,
		}, "\t"))
		sb.WriteByte('\n')
	}
	return renameio.WriteFile(p.TablePath, []byte(sb.String()), 0o644)
}
