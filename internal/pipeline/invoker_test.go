package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestRunCapturesOutput(t *testing.T) {
	t.Parallel()

	r := NewRunner()
	res, err := r.Run(Command{
		Argv:    []string{"sh", "-c", "echo out1; echo err1 >&2; echo out2"},
		Timeout: 10 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", res.ExitCode)
	}
	if res.Stdout != "out1\nout2\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if res.Stderr != "err1\n" {
		t.Errorf("stderr = %q", res.Stderr)
	}
}

func TestRunStreamsLines(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var seen []string

	r := NewRunner()
	_, err := r.Run(Command{
		Argv:    []string{"sh", "-c", "echo '[PROGRESS] 1/4: start'; echo '[PROGRESS] 2/4: mid'"},
		Timeout: 10 * time.Second,
	}, func(stream Stream, line string) {
		mu.Lock()
		seen = append(seen, line)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(seen) != 2 {
		t.Fatalf("expected 2 streamed lines, got %d: %v", len(seen), seen)
	}
	if seen[0] != "[PROGRESS] 1/4: start" || seen[1] != "[PROGRESS] 2/4: mid" {
		t.Errorf("lines streamed out of order: %v", seen)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	t.Parallel()

	r := NewRunner()
	res, err := r.Run(Command{
		Argv:    []string{"sh", "-c", "echo 'segmentation failed: no labels' >&2; exit 3"},
		Timeout: 10 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("non-zero exit should not be a Run error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Output(), "segmentation failed") {
		t.Errorf("captured output missing failure text: %q", res.Output())
	}
}

func TestRunTimeout(t *testing.T) {
	t.Parallel()

	r := NewRunner()
	start := time.Now()
	res, err := r.Run(Command{
		Argv:    []string{"sh", "-c", "echo before-sleep; sleep 30"},
		Timeout: 500 * time.Millisecond,
	}, nil)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed > 10*time.Second {
		t.Errorf("timeout enforcement took too long: %v", elapsed)
	}
	if res == nil {
		t.Fatal("result must be returned even on timeout")
	}
	if !strings.Contains(res.Stdout, "before-sleep") {
		t.Errorf("output captured before the kill is missing: %q", res.Stdout)
	}
}

func TestRunStartFailure(t *testing.T) {
	t.Parallel()

	r := NewRunner()
	_, err := r.Run(Command{
		Argv:    []string{"/nonexistent/pipeline-binary", "in", "out", "model"},
		Timeout: time.Second,
	}, nil)
	if err == nil {
		t.Fatal("expected start failure")
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("start failure must not be reported as timeout")
	}
}

func TestRunEmptyArgv(t *testing.T) {
	t.Parallel()

	r := NewRunner()
	if _, err := r.Run(Command{}, nil); err == nil {
		t.Fatal("expected validation error for empty argv")
	}
}

func TestNewCommand(t *testing.T) {
	t.Parallel()

	cmd := NewCommand("/opt/pipeline/run_seg", "/data/in.nii.gz", "/data/out", "nnunet_knee", "/data/config.json", time.Minute)
	wantArgv := []string{"/opt/pipeline/run_seg", "/data/in.nii.gz", "/data/out", "nnunet_knee"}
	if len(cmd.Argv) != len(wantArgv) {
		t.Fatalf("argv = %v", cmd.Argv)
	}
	for i := range wantArgv {
		if cmd.Argv[i] != wantArgv[i] {
			t.Errorf("argv[%d] = %q, want %q", i, cmd.Argv[i], wantArgv[i])
		}
	}
	if cmd.Env[0] != ConfigEnvVar+"=/data/config.json" {
		t.Errorf("env = %v", cmd.Env)
	}
	if cmd.Dir != "/opt/pipeline" {
		t.Errorf("dir = %q", cmd.Dir)
	}
}

func TestModelName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		options map[string]string
		want    string
	}{
		{map[string]string{"segmentation_model": "nnunet_fullres"}, "nnunet_knee"},
		{map[string]string{"segmentation_model": "goyal_axial"}, "goyal_axial"},
		{map[string]string{"segmentation_model": "bogus"}, "nnunet_knee"},
		{map[string]string{}, "nnunet_knee"},
		{nil, "nnunet_knee"},
	}
	for _, tt := range tests {
		if got := ModelName(tt.options); got != tt.want {
			t.Errorf("ModelName(%v) = %q, want %q", tt.options, got, tt.want)
		}
	}
}

func TestWriteConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path, err := WriteConfig(dir, map[string]string{"segmentation_model": "nnunet_fullres", "nsm": "bone"})
	if err != nil {
		t.Fatalf("WriteConfig failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if !strings.Contains(string(data), "nnunet_fullres") {
		t.Errorf("config content missing options: %s", data)
	}
}

func TestVerifyAndArchiveOutputs(t *testing.T) {
	t.Parallel()

	outDir := t.TempDir()
	if VerifyOutputs(outDir) {
		t.Error("empty output dir must not verify")
	}

	if err := os.WriteFile(filepath.Join(outDir, "femur_seg.nii.gz"), []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !VerifyOutputs(outDir) {
		t.Error("segmentation output must verify")
	}

	destDir := t.TempDir()
	path, size, err := ArchiveResults(outDir, destDir, "scan001")
	if err != nil {
		t.Fatalf("ArchiveResults failed: %v", err)
	}
	if filepath.Base(path) != "scan001_results.zip" {
		t.Errorf("archive path = %q", path)
	}
	if size <= 0 {
		t.Errorf("archive size = %d", size)
	}
}

func TestInputStem(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"/data/uploads/scan001.nii.gz", "scan001"},
		{"/data/uploads/scan.nrrd", "scan"},
		{"/data/uploads/series", "series"},
	}
	for _, tt := range tests {
		if got := InputStem(tt.in); got != tt.want {
			t.Errorf("InputStem(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
