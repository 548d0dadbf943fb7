package convert

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SidecarInfo carries the fields the updater adds or overwrites in a BIDS
// MEG sidecar JSON (spec §4.8's post-batch pass).
type SidecarInfo struct {
	Institution         string
	AssociatedEmptyRoom string
	MaxMovementMM       float64
	HasMaxMovement      bool
	GantryAngleDeg      float64
	HPICoilFreqHz       []float64
	SSSOrigin           [3]float64
	SSSComponentCount   int
	SSSLimits           string
	SSSVersion          string
	HasSSS              bool
}

// UpdateSidecar merges info into the JSON sidecar at path, preserving any
// existing keys the updater doesn't own.
func UpdateSidecar(path string, info SidecarInfo) error {
	doc := map[string]interface{}{}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing existing sidecar %s: %w", path, err)
		}
	}

	if info.Institution != "" {
		doc["InstitutionName"] = info.Institution
	}
	if info.AssociatedEmptyRoom != "" {
		doc["AssociatedEmptyRoom"] = info.AssociatedEmptyRoom
	}
	if info.HasMaxMovement {
		doc["MaxMovement"] = info.MaxMovementMM
	}
	doc["DewarPosition"] = DewarPosition(info.GantryAngleDeg)
	if len(info.HPICoilFreqHz) > 0 {
		doc["HeadCoilFrequency"] = info.HPICoilFreqHz
	}
	if info.HasSSS {
		doc["SoftwareFilters"] = map[string]interface{}{
			"SpatialCompensation": map[string]interface{}{
				"Origin":         info.SSSOrigin,
				"ComponentCount": info.SSSComponentCount,
				"Limits":         info.SSSLimits,
				"Version":        info.SSSVersion,
			},
		}
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o644)
}

// EmptyRoomAssociation finds the first task-Noise *_meg.fif recording in
// the subject/session's meg directory, returning its BIDS-relative path,
// or "" if none exists.
func EmptyRoomAssociation(bidsRoot, subject, session string) (string, error) {
	dir := filepath.Join(bidsRoot, "sub-"+subject, "ses-"+session, "meg")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), "task-Noise") && strings.HasSuffix(e.Name(), "_meg.fif") {
			rel, err := filepath.Rel(bidsRoot, filepath.Join(dir, e.Name()))
			if err != nil {
				return "", err
			}
			return rel, nil
		}
	}
	return "", nil
}

// ConsolidateSplits groups ConversionRows that share subject, session,
// task, processing and description, so a base file and its "-<N>.fif"
// split siblings land in one group (spec §4.3's split consolidation).
// Groups keep first-seen order and rows keep input order; nothing is
// sorted here.
func ConsolidateSplits(rows []ConversionRow) [][]ConversionRow {
	groups := map[string][]ConversionRow{}
	var order []string
	for _, r := range rows {
		key := splitGroupKey(r)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], r)
	}
	out := make([][]ConversionRow, 0, len(order))
	for _, key := range order {
		out = append(out, groups[key])
	}
	return out
}

func splitGroupKey(r ConversionRow) string {
	return strings.Join([]string{r.SourceSubject, r.SourceSession, r.Task, r.Processing, r.Description}, "\x1f")
}
