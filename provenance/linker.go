package provenance

// LinkStatus classifies one entry of a PipelineReport.
type LinkStatus string

const (
	LinkComplete       LinkStatus = "complete"
	LinkOrphanedCopy    LinkStatus = "orphaned_copy"
	LinkOrphanedBids    LinkStatus = "orphaned_bids"
)

// LinkedEntry is one row of the report the linker produces.
type LinkedEntry struct {
	SourcePath string     `json:"source_path"`
	BidsPath   []string   `json:"bids_path,omitempty"`
	Status     LinkStatus `json:"status"`
}

// PipelineReport is the pure output of joining the copy and bidsify logs.
type PipelineReport struct {
	Linked        []LinkedEntry `json:"linked"`
	OrphanedCopy  []LinkedEntry `json:"orphaned_copy"`
	OrphanedBids  []LinkedEntry `json:"orphaned_bids"`
}

// LinkCopyToBids is a pure function over the two logs: it joins
// CopyRecord.Destinations against BidsRecord.SourcePath on equal paths
// (spec §4.3).
func LinkCopyToBids(copies []CopyRecord, bidsRecs []BidsRecord) PipelineReport {
	destToCopy := map[string]CopyRecord{}
	for _, c := range copies {
		for _, d := range c.Destinations {
			destToCopy[d] = c
		}
	}

	srcToBids := map[string]BidsRecord{}
	for _, b := range bidsRecs {
		for _, s := range b.SourcePath {
			srcToBids[s] = b
		}
	}

	var report PipelineReport
	seenCopyDest := map[string]bool{}

	for dest, c := range destToCopy {
		b, ok := srcToBids[dest]
		if !ok {
			continue
		}
		seenCopyDest[dest] = true
		status := LinkOrphanedBids
		if c.Status == Success && (b.Status == ConvSuccess || b.Status == ConvProcessed) {
			status = LinkComplete
		}
		report.Linked = append(report.Linked, LinkedEntry{
			SourcePath: dest,
			BidsPath:   b.BidsPath,
			Status:     status,
		})
	}

	for dest, c := range destToCopy {
		if seenCopyDest[dest] {
			continue
		}
		report.OrphanedCopy = append(report.OrphanedCopy, LinkedEntry{
			SourcePath: dest,
			Status:     LinkOrphanedCopy,
		})
	}

	for src, b := range srcToBids {
		if _, ok := destToCopy[src]; ok {
			continue
		}
		report.OrphanedBids = append(report.OrphanedBids, LinkedEntry{
			SourcePath: src,
			BidsPath:   b.BidsPath,
			Status:     LinkOrphanedBids,
		})
	}

	return report
}
