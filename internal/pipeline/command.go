package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ConfigEnvVar names the environment variable pointing the pipeline at
// its job-specific configuration file.
const ConfigEnvVar = "PIPELINE_CONFIG"

// modelNames maps UI-facing model selections onto the names the pipeline
// executable accepts.
var modelNames = map[string]string{
	"nnunet_fullres": "nnunet_knee",
	"nnunet_cascade": "nnunet_knee",
	"goyal_sagittal": "goyal_sagittal",
	"goyal_coronal":  "goyal_coronal",
	"goyal_axial":    "goyal_axial",
	"staple":         "staple",
}

const defaultModel = "nnunet_knee"

// ModelName resolves the pipeline model name from job options.
func ModelName(options map[string]string) string {
	if name, ok := modelNames[options["segmentation_model"]]; ok {
		return name
	}
	return defaultModel
}

// NewCommand builds the pipeline invocation:
//
//	<executable> <input_path> <output_dir> <model_name>
//
// with ConfigEnvVar pointing at the job-specific configuration file.
func NewCommand(executable, inputPath, outputDir, model, configPath string, timeout time.Duration) Command {
	return Command{
		Argv:    []string{executable, inputPath, outputDir, model},
		Env:     []string{fmt.Sprintf("%s=%s", ConfigEnvVar, configPath)},
		Dir:     filepath.Dir(executable),
		Timeout: timeout,
	}
}

// WriteConfig writes the job's options verbatim as the pipeline
// configuration file and returns its path. Options are validated by the
// upload collaborator before a job is created; this core passes them
// through untouched.
func WriteConfig(dir string, options map[string]string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(options, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}
	return path, nil
}
