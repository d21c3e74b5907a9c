package pipeline

import (
	"errors"
	"strings"
)

// Code categorizes a pipeline failure. Codes are part of the durable
// job contract: only the code and its user-facing message travel with
// the job record, never raw process output.
type Code string

const (
	// CodeResourceExhausted: the accelerator ran out of working memory.
	CodeResourceExhausted Code = "RESOURCE_EXHAUSTED"
	// CodeTimeout: the run exceeded its wall-clock budget and was killed.
	CodeTimeout Code = "TIMEOUT"
	// CodeInputUnreadable: the input could not be read or decoded.
	CodeInputUnreadable Code = "INPUT_UNREADABLE"
	// CodeExecutionFailure: the analysis itself failed (segmentation or
	// shape-model divergence, missing labels, etc).
	CodeExecutionFailure Code = "EXECUTION_FAILURE"
	// CodeInfrastructure: files missing, crashed supervisor, anything
	// outside the pipeline's own logic. The only retryable class.
	CodeInfrastructure Code = "INFRASTRUCTURE"
	// CodeUnknown: nothing matched.
	CodeUnknown Code = "UNKNOWN"
)

// Classification is the structured result of classifying a failure.
type Classification struct {
	Code         Code
	Message      string // fixed, non-technical user-facing message
	RecoveryHint string // fixed, actionable recovery suggestion
}

// classifyRule is one entry in the ordered classification cascade.
type classifyRule struct {
	substrings []string
	code       Code
}

// classifyRules is evaluated top to bottom against lower-cased output;
// the first rule with any matching substring wins. Resource exhaustion
// is checked first since it tends to co-occur with generic failure
// text and is the most actionable.
var classifyRules = []classifyRule{
	{
		substrings: []string{"cuda out of memory", "out of memory", "cuda error", "cudnn error", "gpu memory", "oom"},
		code:       CodeResourceExhausted,
	},
	{
		substrings: []string{"timeout", "timed out", "deadline exceeded"},
		code:       CodeTimeout,
	},
	{
		substrings: []string{"no such file", "not found", "does not exist", "permission denied"},
		code:       CodeInfrastructure,
	},
	{
		substrings: []string{"invalid format", "cannot read", "unsupported format", "not a valid", "dicom", "corrupt"},
		code:       CodeInputUnreadable,
	},
	{
		substrings: []string{"segmentation failed", "segmentation error", "no segmentation", "no labels", "nsm failed", "nsm error", "shape model", "bscore error", "did not converge"},
		code:       CodeExecutionFailure,
	},
}

// catalog maps every code to its fixed message and hint. Total: every
// code has a non-empty message and hint.
var catalog = map[Code]Classification{
	CodeResourceExhausted: {
		Code:         CodeResourceExhausted,
		Message:      "The GPU ran out of memory while processing your scan.",
		RecoveryHint: "Try a smaller image or a lighter segmentation model.",
	},
	CodeTimeout: {
		Code:         CodeTimeout,
		Message:      "Processing took longer than expected and was stopped.",
		RecoveryHint: "Your scan may be very large. Try a smaller region or contact support.",
	},
	CodeInputUnreadable: {
		Code:         CodeInputUnreadable,
		Message:      "The uploaded scan could not be read.",
		RecoveryHint: "Upload a valid NIfTI, NRRD, or DICOM series and try again.",
	},
	CodeExecutionFailure: {
		Code:         CodeExecutionFailure,
		Message:      "The analysis failed to complete on this scan.",
		RecoveryHint: "The image quality may be insufficient. Try a different segmentation model.",
	},
	CodeInfrastructure: {
		Code:         CodeInfrastructure,
		Message:      "A system error interrupted processing.",
		RecoveryHint: "This was not caused by your scan. Please resubmit the job.",
	},
	CodeUnknown: {
		Code:         CodeUnknown,
		Message:      "An unexpected error occurred during processing.",
		RecoveryHint: "Please try again. If the problem persists, contact support.",
	},
}

// Classify maps raw process output and/or an error to a classification.
// Output-text classification takes precedence over the error when both
// are present, since captured output is closer to the root cause than a
// wrapping error. Pure function.
func Classify(output string, err error) Classification {
	if code, ok := classifyOutput(output); ok {
		return catalog[code]
	}
	if err != nil {
		return catalog[classifyError(err)]
	}
	return catalog[CodeUnknown]
}

// Lookup returns the fixed message and hint for a code. Unknown codes
// fall back to the CodeUnknown entry, keeping the function total.
func Lookup(code Code) Classification {
	if c, ok := catalog[code]; ok {
		return c
	}
	return catalog[CodeUnknown]
}

// Retryable reports whether a failure class is eligible for automatic
// retry. Semantic failures are not: rerunning them without operator or
// user intervention reproduces the same failure.
func Retryable(code Code) bool {
	return code == CodeInfrastructure
}

func classifyOutput(output string) (Code, bool) {
	if strings.TrimSpace(output) == "" {
		return CodeUnknown, false
	}
	lower := strings.ToLower(output)
	for _, rule := range classifyRules {
		for _, sub := range rule.substrings {
			if strings.Contains(lower, sub) {
				return rule.code, true
			}
		}
	}
	return CodeUnknown, true
}

func classifyError(err error) Code {
	if errors.Is(err, ErrTimeout) {
		return CodeTimeout
	}
	msg := strings.ToLower(err.Error())
	for _, rule := range classifyRules {
		for _, sub := range rule.substrings {
			if strings.Contains(msg, sub) {
				return rule.code
			}
		}
	}
	return CodeUnknown
}
