package pipeline

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// outputPatterns are the file globs that indicate the pipeline produced
// usable results. At least one must match.
var outputPatterns = []string{
	"*seg*.nii.gz",
	"*seg*.nrrd",
	"segmentation*",
	"*.nii.gz",
	"*.nrrd",
	"*.json",
	"*.csv",
}

// VerifyOutputs reports whether the output directory contains any of the
// files the pipeline is expected to produce. A zero exit code with an
// empty output directory is still a failure.
func VerifyOutputs(dir string) bool {
	for _, pattern := range outputPatterns {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err == nil && len(matches) > 0 {
			return true
		}
	}
	return false
}

// ArchiveResults zips the output directory into <destDir>/<stem>_results.zip
// and returns the archive path and size.
func ArchiveResults(outputDir, destDir, stem string) (string, int64, error) {
	archivePath := filepath.Join(destDir, stem+"_results.zip")

	f, err := os.Create(archivePath)
	if err != nil {
		return "", 0, fmt.Errorf("create archive: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	err = filepath.Walk(outputDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(outputDir, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(w, src)
		return err
	})
	if err != nil {
		zw.Close()
		return "", 0, fmt.Errorf("archive results: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", 0, fmt.Errorf("finalize archive: %w", err)
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return "", 0, fmt.Errorf("stat archive: %w", err)
	}
	return archivePath, info.Size(), nil
}

// InputStem derives a result-archive name from the input path, peeling
// compound extensions like .nii.gz.
func InputStem(inputPath string) string {
	base := filepath.Base(inputPath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" {
		return "pipeline"
	}
	return base
}
