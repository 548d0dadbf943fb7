package pipelineconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoadYAMLResolvesDerivedPaths(t *testing.T) {
	dir := t.TempDir()
	yamlDoc := `
project:
  name: PROJ
  root: ` + dir + `
  tasks: [Phalanges, AudOdd]
opm:
  hpi_freq: 33.0
`
	p := writeFile(t, dir, "config.yaml", yamlDoc)
	cfg, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "PROJ", "raw"), cfg.Project.RawRoot)
	require.Equal(t, filepath.Join(dir, "PROJ", "BIDS"), cfg.Project.BIDSRoot)
	require.True(t, cfg.TaskRecognized("Phalanges"))
	require.False(t, cfg.TaskRecognized("RestEyesClosed"))
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	jsonDoc := `{"project": {"name": "PROJ", "root": "` + dir + `"}}`
	p := writeFile(t, dir, "config.json", jsonDoc)
	cfg, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, "PROJ", cfg.Project.Name)
	require.Equal(t, 33.0, cfg.OPM.HPIFreq) // default
}

func TestValidateRejectsRelativeRoot(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", "project:\n  name: PROJ\n  root: relative/path\n")
	_, err := Load(p)
	require.ErrorIs(t, err, ErrRootNotAbsolute)
}

func TestValidateRejectsMissingName(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", "project:\n  root: "+dir+"\n")
	_, err := Load(p)
	require.ErrorIs(t, err, ErrMissingProjectName)
}

func TestValidateRejectsReservedTask(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", "project:\n  name: PROJ\n  root: "+dir+"\n  tasks: [Noise]\n")
	_, err := Load(p)
	require.ErrorIs(t, err, ErrReservedTask)
}

func TestUnrecognizedExtension(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.ini", "project.name=PROJ")
	_, err := Load(p)
	require.Error(t, err)
}
