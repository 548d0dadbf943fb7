// Package provenance implements the append-only copy/bidsify logs (pipeline
// stage C3) and the pure linker that joins them by source path.
//
// Grounded on ingesters/utils/state.go's safefile-based atomic rewrite
// pattern, with github.com/gofrs/flock layered on top for the
// cross-process advisory lock spec §4.3/§5 requires around every append.
package provenance

import "time"

// TransferStatus is CopyRecord's outcome classification (spec §3).
type TransferStatus string

const (
	Success          TransferStatus = "Success"
	DifferentSize    TransferStatus = "DifferentSize"
	DifferentModtime TransferStatus = "DifferentModtime"
	TransferError    TransferStatus = "Error"
)

// CopyRecord is one log entry per input file processed by the transfer
// engine (C4).
type CopyRecord struct {
	OriginalPath     string         `json:"original_path"`
	Destinations     []string       `json:"destinations"`
	OriginalSize     int64          `json:"original_size"`
	DestinationSize  int64          `json:"destination_size"`
	CopyDate         string         `json:"copy_date"` // YYYY-MM-DD
	CopyTime         string         `json:"copy_time"` // HH:MM:SS
	Status           TransferStatus `json:"status"`
	Message          string         `json:"message"`
	Timestamp        time.Time      `json:"timestamp"` // UTC
}

// ConversionStatus is BidsRecord's outcome classification (spec §3).
type ConversionStatus string

const (
	ConvSuccess   ConversionStatus = "Success"
	ConvRun       ConversionStatus = "Run"
	ConvCheck     ConversionStatus = "Check"
	ConvSkip      ConversionStatus = "Skip"
	ConvProcessed ConversionStatus = "Processed"
)

// BidsRecord is one log entry per input-to-BIDS conversion (C8). SourcePath
// and BidsPath hold either a single string or (iff split consolidation
// occurred) an ordered array; Go represents both as []string, with a
// single-element slice standing in for the plain string.
type BidsRecord struct {
	SourcePath  []string         `json:"source_path"`
	BidsPath    []string         `json:"bids_path"`
	SourceSize  int64            `json:"source_size"`
	BidsSize    int64            `json:"bids_size"`
	Participant string           `json:"participant"`
	Session     string           `json:"session"`
	Task        string           `json:"task"`
	Acquisition string           `json:"acquisition"`
	Datatype    string           `json:"datatype"`
	Processing  []string         `json:"processing"`
	Status      ConversionStatus `json:"status"`
	Timestamp   time.Time        `json:"timestamp"`
}

// sameStringSet compares two source_path/destination lists element by
// element, in order. A single path is held as a one-element slice; a bare
// JSON string is never decoded into one.
func sameStringSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
