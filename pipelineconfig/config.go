// Package pipelineconfig loads and validates the project configuration
// (pipeline stage C2). Configuration is read from YAML or JSON, detected by
// file extension, unmarshaled into a ProjectConfig, then resolved (derived
// paths filled in) and validated before any stage runs.
//
// Grounded on fileFollow/config.go's global/per-unit struct nesting and
// ingest/config's separation of parse-then-validate.
package pipelineconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/natmeg/pipeline/pipelineerr"
)

// ProjectConfig is the root configuration object (spec §3/§4.2).
type ProjectConfig struct {
	Project   Project   `yaml:"project" json:"project"`
	OPM       OPM       `yaml:"opm" json:"opm"`
	Maxfilter Maxfilter `yaml:"maxfilter" json:"maxfilter"`
	BIDS      BIDS      `yaml:"bids" json:"bids"`
	Run       RunFlags  `yaml:"run" json:"run"`

	// sourcePath is recorded at load time so Resolve can tell a
	// user-supplied override apart from the auto-generated template.
	sourcePath string `yaml:"-" json:"-"`
}

type Project struct {
	Name   string `yaml:"name" json:"name"`
	Root   string `yaml:"root" json:"root"`
	Tasks  []string `yaml:"tasks" json:"tasks"`

	SinuheRaw string `yaml:"sinuhe_raw" json:"sinuhe_raw"`
	KaptahRaw string `yaml:"kaptah_raw" json:"kaptah_raw"`

	Calibration string `yaml:"calibration" json:"calibration"`
	Crosstalk   string `yaml:"crosstalk" json:"crosstalk"`

	// Derived, filled in by Resolve().
	RawRoot  string `yaml:"-" json:"-"`
	BIDSRoot string `yaml:"-" json:"-"`
}

type OPM struct {
	Polhemus      []string `yaml:"polhemus" json:"polhemus"`
	HPINames      []string `yaml:"hpi_names" json:"hpi_names"`
	HPIFreq       float64  `yaml:"hpi_freq" json:"hpi_freq"`
	DownsampleHz  int      `yaml:"downsample_to_hz" json:"downsample_to_hz"`
	Overwrite     bool     `yaml:"overwrite" json:"overwrite"`
	Plot          bool     `yaml:"plot" json:"plot"`
}

type StandardSettings struct {
	TransConditions   []string `yaml:"trans_conditions" json:"trans_conditions"`
	TransOption       string   `yaml:"trans_option" json:"trans_option"` // continous|initial
	MergeRuns         bool     `yaml:"merge_runs" json:"merge_runs"`
	EmptyRoomFiles    []string `yaml:"empty_room_files" json:"empty_room_files"`
	SSSFiles          []string `yaml:"sss_files" json:"sss_files"`
	Autobad           string   `yaml:"autobad" json:"autobad"`
	Badlimit          int      `yaml:"badlimit" json:"badlimit"`
	BadChannels       []string `yaml:"bad_channels" json:"bad_channels"`
	TSSSDefault       bool     `yaml:"tsss_default" json:"tsss_default"`
	Correlation       float64  `yaml:"correlation" json:"correlation"`
	MovecompDefault   bool     `yaml:"movecomp_default" json:"movecomp_default"`
	SubjectsToSkip    []string `yaml:"subjects_to_skip" json:"subjects_to_skip"`
}

type AdvancedSettings struct {
	Force             bool    `yaml:"force" json:"force"`
	Downsample        bool    `yaml:"downsample" json:"downsample"`
	DownsampleFactor  int     `yaml:"downsample_factor" json:"downsample_factor"`
	ApplyLinefreq     bool    `yaml:"apply_linefreq" json:"apply_linefreq"`
	LinefreqHz        float64 `yaml:"linefreq_Hz" json:"linefreq_Hz"`
	MaxfilterVersion  string  `yaml:"maxfilter_version" json:"maxfilter_version"`
	ExtraArgs         string  `yaml:"extra_args" json:"extra_args"`
	Debug             bool    `yaml:"debug" json:"debug"`
}

type Maxfilter struct {
	StandardSettings StandardSettings `yaml:"standard_settings" json:"standard_settings"`
	AdvancedSettings AdvancedSettings `yaml:"advanced_settings" json:"advanced_settings"`
}

type BIDS struct {
	DatasetDescriptionFilename string   `yaml:"dataset_description_filename" json:"dataset_description_filename"`
	ParticipantsFilename       string   `yaml:"participants_filename" json:"participants_filename"`
	ParticipantsMappingFile    string   `yaml:"participants_mapping_file" json:"participants_mapping_file"`
	ConversionFile             string   `yaml:"conversion_file" json:"conversion_file"`
	OverwriteConversion        bool     `yaml:"overwrite_conversion" json:"overwrite_conversion"`
	Overwrite                  bool     `yaml:"overwrite" json:"overwrite"`
	OriginalSubjIDName         string   `yaml:"original_subjid_name" json:"original_subjid_name"`
	NewSubjIDName              string   `yaml:"new_subjid_name" json:"new_subjid_name"`
	OriginalSessionName        string   `yaml:"original_session_name" json:"original_session_name"`
	NewSessionName              string   `yaml:"new_session_name" json:"new_session_name"`
	DatasetType                string   `yaml:"dataset_type" json:"dataset_type"`
	DataLicense                string   `yaml:"data_license" json:"data_license"`
	Authors                    []string `yaml:"authors" json:"authors"`
	Acknowledgements           string   `yaml:"acknowledgements" json:"acknowledgements"`
	HowToAcknowledge           string   `yaml:"how_to_acknowledge" json:"how_to_acknowledge"`
	Funding                    []string `yaml:"funding" json:"funding"`
	EthicsApprovals            []string `yaml:"ethics_approvals" json:"ethics_approvals"`
	ReferencesAndLinks         []string `yaml:"references_and_links" json:"references_and_links"`
	DOI                        string   `yaml:"doi" json:"doi"`
}

type RunFlags struct {
	Copy     bool `yaml:"copy" json:"copy"`
	HPI      bool `yaml:"hpi" json:"hpi"`
	Maxfilter bool `yaml:"maxfilter" json:"maxfilter"`
	Bidsify  bool `yaml:"bidsify" json:"bidsify"`
	Sync     bool `yaml:"sync" json:"sync"`
}

// defaults documented in spec §4.2.
func defaults() ProjectConfig {
	return ProjectConfig{
		OPM: OPM{
			HPIFreq:      33.0,
			DownsampleHz: 1000,
		},
		Run: RunFlags{
			Copy: true, HPI: true, Maxfilter: true, Bidsify: true, Sync: true,
		},
		BIDS: BIDS{
			DatasetDescriptionFilename: "dataset_description.json",
			ParticipantsFilename:       "participants.tsv",
			ConversionFile:             "bids_conversion.tsv",
			DatasetType:                "raw",
			OriginalSubjIDName:         "subject_id",
			NewSubjIDName:              "participant_id",
			OriginalSessionName:        "session_id",
			NewSessionName:             "session",
		},
	}
}

// Load reads a YAML or JSON configuration file (format detected from the
// extension), merges it onto the documented defaults, resolves derived
// paths, and validates the result.
func Load(path string) (*ProjectConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pipelineerr.Wrap(pipelineerr.KindConfig, path, fmt.Errorf("reading config: %w", err))
	}

	cfg := defaults()
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, pipelineerr.Wrap(pipelineerr.KindConfig, path, fmt.Errorf("parsing yaml: %w", err))
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, pipelineerr.Wrap(pipelineerr.KindConfig, path, fmt.Errorf("parsing json: %w", err))
		}
	default:
		return nil, pipelineerr.Wrap(pipelineerr.KindConfig, path, fmt.Errorf("unrecognized config extension %q (want .yaml, .yml or .json)", ext))
	}
	cfg.sourcePath = path

	cfg.Resolve()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Resolve fills in every derived path that spec §4.2 documents, unless the
// user has manually overridden it. An override is detected by comparing
// the stored value against the auto-generated template: if they already
// match, or the field was empty, Resolve (re)writes it; any other value is
// left alone.
func (c *ProjectConfig) Resolve() {
	autoRaw := c.templatePath("raw")
	if c.Project.RawRoot == "" || c.Project.RawRoot == autoRaw {
		c.Project.RawRoot = autoRaw
	}
	autoBIDS := c.templatePath("BIDS")
	if c.Project.BIDSRoot == "" || c.Project.BIDSRoot == autoBIDS {
		c.Project.BIDSRoot = autoBIDS
	}
}

func (c *ProjectConfig) templatePath(leaf string) string {
	if c.Project.Root == "" || c.Project.Name == "" {
		return ""
	}
	return filepath.Join(c.Project.Root, c.Project.Name, leaf)
}

var (
	ErrMissingProjectName = errors.New("project.name is required")
	ErrRootNotAbsolute    = errors.New("project.root must be an absolute path")
	ErrReservedTask       = errors.New("project.tasks may not contain a reserved noise token")
	ErrBadHPIFreq         = errors.New("opm.hpi_freq must be > 0")
)

var reservedNoiseTasks = map[string]bool{
	"Noise": true, "NoiseBefore": true, "NoiseAfter": true,
}

// Validate raises a ConfigError for the checks spec §4.2/§7 calls out.
func (c *ProjectConfig) Validate() error {
	if c.Project.Name == "" {
		return pipelineerr.Wrap(pipelineerr.KindConfig, c.sourcePath, ErrMissingProjectName)
	}
	if !filepath.IsAbs(c.Project.Root) {
		return pipelineerr.Wrap(pipelineerr.KindConfig, c.sourcePath, ErrRootNotAbsolute)
	}
	for _, task := range c.Project.Tasks {
		if reservedNoiseTasks[task] {
			return pipelineerr.Wrap(pipelineerr.KindConfig, c.sourcePath, fmt.Errorf("%w: %q", ErrReservedTask, task))
		}
	}
	if c.OPM.HPIFreq <= 0 {
		return pipelineerr.Wrap(pipelineerr.KindConfig, c.sourcePath, ErrBadHPIFreq)
	}
	return nil
}

// TaskRecognized reports whether task is in the project's configured
// vocabulary, used by C7 to classify a ConversionRow as run vs check.
func (c *ProjectConfig) TaskRecognized(task string) bool {
	for _, t := range c.Project.Tasks {
		if t == task {
			return true
		}
	}
	return false
}
