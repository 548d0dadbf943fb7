// Package ident implements the name-and-metadata parser (pipeline stage
// C1): it decomposes a raw acquisition filename into a FileIdentity. The
// parser never fails; worst case it returns the unknown sentinels and lets
// downstream stages flag the file for review.
//
// Grounded on original_source/utils.py's extract_info_from_filename, with
// the regex-driven tokenize-then-subtract ordering of filewatch/regex.go
// applied to static, package-level compiled pattern sets.
package ident

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Acquisition is the capture-hardware flavor a recording came from.
type Acquisition string

const (
	SQUID Acquisition = "squid"
	OPM   Acquisition = "opm"
)

// FileIdentity is the parsed result of a single filename (spec §3).
type FileIdentity struct {
	Subject      string // 4-digit zero-padded
	Session      string // YYMMDD, empty if not present in the name
	Task         string // never empty; "unknown" at worst
	Acquisition  Acquisition
	Split        int  // -1 if no split suffix present
	HasSplit     bool
	Processing   []string // ordered, deduplicated, closed vocabulary
	Description  []string // subset of {trans, headpos}
	Datatypes    []string // tokens found among {meg, raw, opm, eeg, behav}
	Extension    string   // includes leading dot, may be empty
	OPMException bool     // matched OPM_EXCEPTION_PATTERNS (HPIbefore, ...)
}

var (
	subjectNatMEGOrBIDS = regexp.MustCompile(`(?:NatMEG_|sub-)(\d+)`)
	subjectDigitsFallback = regexp.MustCompile(`\d{3,4}`)
	sessionPattern        = regexp.MustCompile(`\d{6}`)
	splitPattern          = regexp.MustCompile(`-(\d+)\.([A-Za-z0-9]+)$`)
	opmDatePrefix         = regexp.MustCompile(`^\d{8}_|^\d{6}_`)

	datatypeTokens = regexp.MustCompile(`(?i)(meg|raw|opm|eeg|behav)`)

	// NOISE_PATTERNS, PROC_PATTERNS, HEADPOS_PATTERNS, OPM_EXCEPTION_PATTERNS
	// are the closed, process-wide vocabularies spec §4.1 calls out.
	NoisePatterns = []string{`(?i)empty`, `(?i)noise`}
	// ds\d+ must precede the bare ds alternative: Go's regexp alternation
	// is leftmost-first, not leftmost-longest, so a downsample factor like
	// "ds4" only matches whole if ds\d+ is tried before bare ds. Bare ds
	// is the OPM HPI-output tag (_proc-hpi+ds_meg.fif), distinct from the
	// digit-bearing downsample-factor tag.
	ProcPatterns  = []string{`tsss`, `sss`, `corr\d+`, `ds\d+`, `ds`, `mc`, `avgHead`, `hpi`}
	HeadposPatterns = []string{`trans`, `headpos`}
	OPMExceptionPatterns = []string{`HPIbefore`, `HPIafter`, `HPImiddle`, `HPIpre`, `HPIpost`}

	noiseRE   = regexp.MustCompile(strings.Join(NoisePatterns, "|"))
	procRE    = regexp.MustCompile(strings.Join(ProcPatterns, "|"))
	headposRE = regexp.MustCompile(strings.Join(HeadposPatterns, "|"))
	opmExceptionRE = regexp.MustCompile(strings.Join(OPMExceptionPatterns, "|"))

	noiseBeforeAfter = regexp.MustCompile(`(?i)before|after`)

	opmPathMarker = "kaptah"
)

// MatchesAny returns true iff any of the given regex patterns finds a
// match in name. This is the parser's exposed predicate (spec §4.1).
func MatchesAny(name string, patterns []string) bool {
	if len(patterns) == 0 {
		return false
	}
	return regexp.MustCompile(strings.Join(patterns, "|")).MatchString(name)
}

// Parse decomposes a single path into a FileIdentity. It never returns an
// error; worst case every field falls back to its zero/unknown value.
func Parse(path string) FileIdentity {
	base := filepath.Base(path)

	id := FileIdentity{
		Split: -1,
	}

	id.Subject = parseSubject(base)
	id.Session = parseSession(base)
	id.Extension = parseExtension(base)

	datatypes := uniqueLower(datatypeTokens.FindAllString(base, -1))
	isOPM := strings.Contains(path, opmPathMarker)
	if isOPM {
		datatypes = appendUnique(datatypes, "opm")
	}
	if opmExceptionRE.MatchString(base) {
		datatypes = appendUnique(datatypes, "opm")
		id.OPMException = true
	}
	id.Datatypes = datatypes

	id.Processing = uniqueOrdered(procRE.FindAllString(base, -1))
	id.Description = uniqueOrdered(headposRE.FindAllString(base, -1))

	if m := splitPattern.FindStringSubmatch(base); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			id.Split = n
			id.HasSplit = true
		}
	}

	if hasString(id.Datatypes, "opm") || isOPM {
		id.Acquisition = OPM
	} else {
		id.Acquisition = SQUID
	}

	id.Task = parseTask(base, id)
	id.Task = normalizeNoise(id.Task)

	return id
}

func parseSubject(base string) string {
	if m := subjectNatMEGOrBIDS.FindStringSubmatch(base); m != nil {
		return zeroPad(m[1], 4)
	}
	if m := subjectDigitsFallback.FindString(base); m != `` {
		return zeroPad(m, 4)
	}
	return "unknown"
}

func zeroPad(s string, width int) string {
	for len(s) < width {
		s = "0" + s
	}
	return s
}

func parseSession(base string) string {
	return sessionPattern.FindString(base)
}

func parseExtension(base string) string {
	idx := strings.LastIndex(base, ".")
	if idx < 0 {
		return ""
	}
	return base[idx:]
}

// parseTask removes every token matched by earlier rules, plus the
// conventional separators, then CamelCases what remains (spec §4.1 step 8).
func parseTask(base string, id FileIdentity) string {
	residual := base
	residual = strings.TrimSuffix(residual, id.Extension)

	strip := []string{"NatMEG_", "sub-", "proc", "file"}
	for _, dt := range id.Datatypes {
		strip = append(strip, dt)
	}
	strip = append(strip, id.Processing...)
	strip = append(strip, id.Description...)
	if id.Subject != "unknown" {
		strip = append(strip, id.Subject)
	}
	if id.HasSplit {
		strip = append(strip, "-"+strconv.Itoa(id.Split))
	}

	for _, s := range strip {
		residual = regexp.MustCompile("(?i)"+regexp.QuoteMeta(s)).ReplaceAllString(residual, "")
	}
	if id.Acquisition == OPM {
		residual = opmDatePrefix.ReplaceAllString(residual, "")
	}
	residual = strings.Trim(residual, "_+- .")

	tokens := splitNonEmpty(residual, "_")
	if len(tokens) == 0 {
		return "unknown"
	}
	if len(tokens) == 1 {
		return titleCase(tokens[0])
	}
	var sb strings.Builder
	for _, t := range tokens {
		sb.WriteString(titleCase(t))
	}
	return sb.String()
}

func normalizeNoise(task string) string {
	if !noiseRE.MatchString(task) {
		return task
	}
	if m := noiseBeforeAfter.FindString(strings.ToLower(task)); m != "" {
		return "Noise" + titleCase(m)
	}
	return "Noise"
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = []rune(strings.ToUpper(string(r[0])))[0]
	return string(r)
}

func splitNonEmpty(s, sep string) []string {
	raw := strings.Split(s, sep)
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if r != "" {
			out = append(out, r)
		}
	}
	return out
}

func uniqueLower(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		s = strings.ToLower(s)
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func uniqueOrdered(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func appendUnique(in []string, v string) []string {
	if hasString(in, v) {
		return in
	}
	return append(in, v)
}

func hasString(in []string, v string) bool {
	for _, s := range in {
		if s == v {
			return true
		}
	}
	return false
}
