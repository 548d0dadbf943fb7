package convert

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/natmeg/pipeline/pipelineconfig"
	"github.com/natmeg/pipeline/pipelineerr"
)

// bidsSpecVersion is the BIDS specification version this writer targets
// in dataset_description.json's required BIDSVersion field.
const bidsSpecVersion = "1.9.0"

// datasetDescription is the subset of the BIDS dataset_description.json
// schema populated from the project's bids.* configuration.
type datasetDescription struct {
	Name               string   `json:"Name"`
	BIDSVersion        string   `json:"BIDSVersion"`
	DatasetType        string   `json:"DatasetType,omitempty"`
	License            string   `json:"License,omitempty"`
	Authors            []string `json:"Authors,omitempty"`
	Acknowledgements   string   `json:"Acknowledgements,omitempty"`
	HowToAcknowledge   string   `json:"HowToAcknowledge,omitempty"`
	Funding            []string `json:"Funding,omitempty"`
	EthicsApprovals    []string `json:"EthicsApprovals,omitempty"`
	ReferencesAndLinks []string `json:"ReferencesAndLinks,omitempty"`
	DatasetDOI         string   `json:"DatasetDOI,omitempty"`
}

// WriteDatasetMetadata writes dataset_description.json and
// participants.tsv at the BIDS root from the project's bids
// configuration and the rows' discovered target subjects (spec §4.8 step
// 6). Both files are regenerated in full on every call, so the writer
// can call this once per run without tracking whether it ran before.
func WriteDatasetMetadata(cfg *pipelineconfig.ProjectConfig, rows []ConversionRow) error {
	if err := writeDatasetDescription(cfg); err != nil {
		return err
	}
	return writeParticipants(cfg, rows)
}

func writeDatasetDescription(cfg *pipelineconfig.ProjectConfig) error {
	desc := datasetDescription{
		Name:               cfg.Project.Name,
		BIDSVersion:        bidsSpecVersion,
		DatasetType:        cfg.BIDS.DatasetType,
		License:            cfg.BIDS.DataLicense,
		Authors:            cfg.BIDS.Authors,
		Acknowledgements:   cfg.BIDS.Acknowledgements,
		HowToAcknowledge:   cfg.BIDS.HowToAcknowledge,
		Funding:            cfg.BIDS.Funding,
		EthicsApprovals:    cfg.BIDS.EthicsApprovals,
		ReferencesAndLinks: cfg.BIDS.ReferencesAndLinks,
		DatasetDOI:         cfg.BIDS.DOI,
	}
	data, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return pipelineerr.Wrap(pipelineerr.KindIO, "dataset_description.json", err)
	}
	return writeBIDSRootFile(cfg, cfg.BIDS.DatasetDescriptionFilename, append(data, '\n'))
}

// writeParticipants emits one row per distinct target subject across
// rows, sorted for determinism; the pipeline carries no demographic
// columns, so participants.tsv lists only the required participant_id.
func writeParticipants(cfg *pipelineconfig.ProjectConfig, rows []ConversionRow) error {
	seen := map[string]bool{}
	var subjects []string
	for _, r := range rows {
		if r.TargetSubject == "" || seen[r.TargetSubject] {
			continue
		}
		seen[r.TargetSubject] = true
		subjects = append(subjects, r.TargetSubject)
	}
	sort.Strings(subjects)

	var sb strings.Builder
	sb.WriteString("participant_id\n")
	for _, s := range subjects {
		fmt.Fprintf(&sb, "sub-%s\n", s)
	}
	return writeBIDSRootFile(cfg, cfg.BIDS.ParticipantsFilename, []byte(sb.String()))
}

func writeBIDSRootFile(cfg *pipelineconfig.ProjectConfig, filename string, data []byte) error {
	path := filepath.Join(cfg.Project.BIDSRoot, filename)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return pipelineerr.Wrap(pipelineerr.KindIO, path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return pipelineerr.Wrap(pipelineerr.KindIO, path, err)
	}
	return nil
}
