// Package progress extracts structured progress information from raw
// pipeline output lines. Parsing is pure: no state, no side effects, so
// it is safe to call from the hot path of output draining.
package progress

import (
	"regexp"
	"strconv"
	"strings"
)

// Event is a single parsed progress observation.
type Event struct {
	Step     int
	Total    int
	StepName string
	Percent  int
}

// TotalSteps is the number of stages in the full pipeline. The keyword
// table below maps recognized stage output onto this scale.
const TotalSteps = 10

// markerPattern matches explicit progress markers emitted by the
// pipeline: [PROGRESS] step/total: name
var markerPattern = regexp.MustCompile(`\[PROGRESS\]\s*(\d+)/(\d+):\s*(.+)`)

// percentPattern matches bare percentage output, e.g. "45%" or "[45%]".
var percentPattern = regexp.MustCompile(`(\d{1,3})%`)

// stageRule maps a known per-stage keyword to a fixed step index.
type stageRule struct {
	pattern *regexp.Regexp
	step    int
	name    string
}

// stageRules is the ordered keyword table for pipeline stages. Rules are
// evaluated top to bottom; the first match wins.
var stageRules = []stageRule{
	{regexp.MustCompile(`loading.*model`), 1, "Loading segmentation model"},
	{regexp.MustCompile(`preprocessing`), 2, "Preprocessing image"},
	{regexp.MustCompile(`running.*segmentation`), 3, "Running segmentation"},
	{regexp.MustCompile(`postprocessing`), 4, "Postprocessing results"},
	{regexp.MustCompile(`generating.*mesh`), 5, "Generating 3D meshes"},
	{regexp.MustCompile(`calculating.*thickness`), 6, "Calculating cartilage thickness"},
	{regexp.MustCompile(`running.*nsm|neural shape model`), 7, "Running Neural Shape Model"},
	{regexp.MustCompile(`computing.*bscore`), 8, "Computing BScore"},
	{regexp.MustCompile(`saving.*results`), 9, "Saving results"},
	{regexp.MustCompile(`complete|finished|done`), 10, "Complete"},
}

// stepNames maps step indexes to short display names, used by the
// time-based estimator.
var stepNames = map[int]string{
	1:  "Loading model",
	2:  "Preprocessing",
	3:  "Running segmentation",
	4:  "Postprocessing",
	5:  "Generating meshes",
	6:  "Calculating thickness",
	7:  "Running NSM",
	8:  "Computing BScore",
	9:  "Saving results",
	10: "Complete",
}

// Parse extracts a progress event from one line of pipeline output.
// Match priority, first match wins:
//  1. explicit [PROGRESS] step/total: name marker (trusted verbatim)
//  2. known stage keyword mapped to a fixed step index
//  3. bare percentage, mapped to an approximate step
//
// Returns nil when nothing matches; callers keep their previous progress
// state in that case.
func Parse(line string) *Event {
	if m := markerPattern.FindStringSubmatch(line); m != nil {
		step, _ := strconv.Atoi(m[1])
		total, _ := strconv.Atoi(m[2])
		if total > 0 && step >= 0 && step <= total {
			return &Event{
				Step:     step,
				Total:    total,
				StepName: strings.TrimSpace(m[3]),
				Percent:  step * 100 / total,
			}
		}
	}

	lower := strings.ToLower(strings.TrimSpace(line))
	for _, rule := range stageRules {
		if rule.pattern.MatchString(lower) {
			return &Event{
				Step:     rule.step,
				Total:    TotalSteps,
				StepName: rule.name,
				Percent:  rule.step * 100 / TotalSteps,
			}
		}
	}

	if m := percentPattern.FindStringSubmatch(line); m != nil {
		percent, _ := strconv.Atoi(m[1])
		if percent > 100 {
			percent = 100
		}
		step := percent * TotalSteps / 100
		if step < 1 {
			step = 1
		}
		return &Event{
			Step:     step,
			Total:    TotalSteps,
			StepName: "Processing...",
			Percent:  percent,
		}
	}

	return nil
}

// maxEstimatedPercent caps time-based estimates so a synthetic event can
// never claim completion.
const maxEstimatedPercent = 95

// EstimateFromTime produces a synthetic progress event from elapsed wall
// clock time. Used as a fallback so the UI is never frozen when the
// pipeline goes through a silent phase. The estimate is capped below
// 100% since only real output can signal completion.
func EstimateFromTime(elapsedSeconds, estimatedTotalSeconds float64) *Event {
	if estimatedTotalSeconds <= 0 {
		estimatedTotalSeconds = 300
	}

	percent := int(elapsedSeconds / estimatedTotalSeconds * 100)
	if percent > maxEstimatedPercent {
		percent = maxEstimatedPercent
	}
	if percent < 0 {
		percent = 0
	}

	step := percent * TotalSteps / 100
	if step < 1 {
		step = 1
	}

	name, ok := stepNames[step]
	if !ok {
		name = "Processing..."
	}

	return &Event{
		Step:     step,
		Total:    TotalSteps,
		StepName: name,
		Percent:  percent,
	}
}
