package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrWrongStage         = errors.New("wrong stage")
	ErrAlreadyCancelled   = errors.New("job already cancelled")
	ErrAlreadyApproved    = errors.New("plan already approved")
	ErrHashMismatch       = errors.New("plan hash mismatch")
	ErrConcurrentApproval = errors.New("another approval request is in progress")
	ErrRevisionNotAllowed = errors.New("revision not allowed")
	ErrPlanDivergence     = errors.New("plan divergence")
	ErrApplyFailed        = errors.New("apply failed")
	ErrVerificationFailed = errors.New("verification failed")
	ErrBranchExhausted    = errors.New("branch names exhausted")
	ErrPartialPublish     = errors.New("partial publish failure")
	ErrArtifactStore      = errors.New("artifact store failure")
	ErrArtifactExists     = errors.New("artifact already exists")
)

// InvalidInputError names the offending field.
type InvalidInputError struct {
	Field   string
	Message string
}

func (e *InvalidInputError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *InvalidInputError) Unwrap() error { return ErrInvalidInput }

// Invalid builds an InvalidInputError.
func Invalid(field, format string, args ...any) error {
	return &InvalidInputError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// WrongStageError reports the stage a job was found in.
type WrongStageError struct {
	JobID    string
	Current  Stage
	Expected []Stage
}

func (e *WrongStageError) Error() string {
	want := make([]string, 0, len(e.Expected))
	for _, s := range e.Expected {
		want = append(want, string(s))
	}
	return fmt.Sprintf("job %s must be in %s stage, current: %s", e.JobID, strings.Join(want, " or "), e.Current)
}

func (e *WrongStageError) Unwrap() error { return ErrWrongStage }

// HashMismatchError carries the latest known hash.
type HashMismatchError struct {
	Requested string
	Latest    string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("plan hash mismatch: latest plan hash is %s, approval requested for %s; approve the latest plan version",
		ShortHash(e.Latest), ShortHash(e.Requested))
}

func (e *HashMismatchError) Unwrap() error { return ErrHashMismatch }

// DivergenceError lists changes outside the approved scope.
type DivergenceError struct {
	Unexpected []string
	LOCDelta   int
	MaxLOC     int
}

func (e *DivergenceError) Error() string {
	if len(e.Unexpected) == 0 {
		return fmt.Sprintf("plan divergence: line delta %d exceeds limit %d", e.LOCDelta, e.MaxLOC)
	}
	return fmt.Sprintf("plan divergence: files changed outside approved scope: %s", strings.Join(e.Unexpected, ", "))
}

func (e *DivergenceError) Unwrap() error { return ErrPlanDivergence }

// VerificationError carries the failing command and its outcome.
type VerificationError struct {
	Command  string
	Kind     CommandOutcome
	ExitCode int
}

func (e *VerificationError) Error() string {
	switch e.Kind {
	case OutcomeTimeout:
		return fmt.Sprintf("verification failed: %s timed out", e.Command)
	case OutcomeCommandNotFound:
		return fmt.Sprintf("verification failed: %s: command not found", e.Command)
	default:
		return fmt.Sprintf("verification failed: %s exited with code %d", e.Command, e.ExitCode)
	}
}

func (e *VerificationError) Unwrap() error { return ErrVerificationFailed }

// PartialPublishError means the branch was pushed but no change request exists.
type PartialPublishError struct {
	Branch string
	Err    error
}

func (e *PartialPublishError) Error() string {
	return fmt.Sprintf("partial publish failure: branch %s pushed but change request creation failed: %v", e.Branch, e.Err)
}

func (e *PartialPublishError) Unwrap() []error { return []error{ErrPartialPublish, e.Err} }

// StageError records which stage produced err.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", strings.ToLower(string(e.Stage)), e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ErrorCode is the stable machine-readable code for err.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidInput):
		return "bad_request"
	case errors.Is(err, ErrWrongStage):
		return "wrong_stage"
	case errors.Is(err, ErrAlreadyCancelled):
		return "already_cancelled"
	case errors.Is(err, ErrAlreadyApproved):
		return "already_approved"
	case errors.Is(err, ErrHashMismatch):
		return "hash_mismatch"
	case errors.Is(err, ErrConcurrentApproval):
		return "concurrent_approval"
	case errors.Is(err, ErrRevisionNotAllowed):
		return "revision_not_allowed"
	case errors.Is(err, ErrPlanDivergence):
		return "plan_divergence"
	case errors.Is(err, ErrApplyFailed):
		return "apply_failed"
	case errors.Is(err, ErrVerificationFailed):
		return "verification_failed"
	case errors.Is(err, ErrBranchExhausted):
		return "branch_exhausted"
	case errors.Is(err, ErrPartialPublish):
		return "partial_publish_failure"
	case errors.Is(err, ErrArtifactExists):
		return "artifact_exists"
	case errors.Is(err, ErrArtifactStore):
		return "artifact_store_failure"
	default:
		return "internal_error"
	}
}

// ShortHash returns the first 8 characters of a plan hash.
func ShortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
