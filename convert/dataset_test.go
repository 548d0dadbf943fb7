package convert

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/natmeg/pipeline/pipelineconfig"
)

func TestWriteDatasetMetadataWritesBothFiles(t *testing.T) {
	bidsRoot := t.TempDir()
	cfg := &pipelineconfig.ProjectConfig{}
	cfg.Project.Name = "natmeg-audodd"
	cfg.Project.BIDSRoot = bidsRoot
	cfg.BIDS.DatasetDescriptionFilename = "dataset_description.json"
	cfg.BIDS.ParticipantsFilename = "participants.tsv"
	cfg.BIDS.DatasetType = "raw"
	cfg.BIDS.Authors = []string{"A. Researcher", "B. Researcher"}
	cfg.BIDS.Funding = []string{"Grant 123"}

	rows := []ConversionRow{
		{TargetSubject: "0002"},
		{TargetSubject: "0001"},
		{TargetSubject: "0001"}, // duplicate, must be deduplicated
	}

	require.NoError(t, WriteDatasetMetadata(cfg, rows))

	descData, err := os.ReadFile(filepath.Join(bidsRoot, "dataset_description.json"))
	require.NoError(t, err)
	var desc datasetDescription
	require.NoError(t, json.Unmarshal(descData, &desc))
	require.Equal(t, "natmeg-audodd", desc.Name)
	require.Equal(t, bidsSpecVersion, desc.BIDSVersion)
	require.Equal(t, []string{"A. Researcher", "B. Researcher"}, desc.Authors)
	require.Equal(t, []string{"Grant 123"}, desc.Funding)

	participants, err := os.ReadFile(filepath.Join(bidsRoot, "participants.tsv"))
	require.NoError(t, err)
	require.Equal(t, "participant_id\nsub-0001\nsub-0002\n", string(participants))
}
