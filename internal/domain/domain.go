package domain

import "strings"

// Stage is a pipeline state of a job.
type Stage string

const (
	StageCreated            Stage = "CREATED"
	StagePlanning           Stage = "PLANNING"
	StageWaitingForApproval Stage = "WAITING_FOR_APPROVAL"
	StageRevising           Stage = "REVISING"
	StageApplying           Stage = "APPLYING"
	StageVerifying          Stage = "VERIFYING"
	StagePackaging          Stage = "PACKAGING"
	StagePublishing         Stage = "PUBLISHING"
	StageCompleted          Stage = "COMPLETED"
	StageFailed             Stage = "FAILED"
	StageCancelled          Stage = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageCancelled
}

// Executing reports whether a worker owns the job while it sits in this stage.
func (s Stage) Executing() bool {
	switch s {
	case StagePlanning, StageRevising, StageApplying, StageVerifying, StagePackaging, StagePublishing:
		return true
	}
	return false
}

// Mode selects whether the approval boundary may be bypassed by policy.
type Mode string

const (
	ModeNormal      Mode = "normal"
	ModeAutoApprove Mode = "auto-approve"
)

// ParseMode accepts the legacy "yolo" spelling.
func ParseMode(v string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "normal":
		return ModeNormal, true
	case "auto-approve", "auto", "yolo":
		return ModeAutoApprove, true
	}
	return "", false
}

// PolicyApprover is the approver identity recorded for auto-approvals.
const PolicyApprover = "policy:auto"

type RepoRef struct {
	URL string `json:"url" validate:"required"`
	Ref string `json:"ref,omitempty"`
}

type Scope struct {
	Paths []string `json:"paths,omitempty"`
}

type Story struct {
	Key         string `json:"key"`
	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
}

type Job struct {
	ID               string         `json:"id"`
	StoryKey         string         `json:"story_key"`
	Story            Story          `json:"story"`
	Repos            []RepoRef      `json:"repos"`
	Scope            Scope          `json:"scope"`
	Mode             Mode           `json:"mode" enum:"normal,auto-approve"`
	Stage            Stage          `json:"stage"`
	Cancelled        bool           `json:"cancelled"`
	ApprovedPlanHash *string        `json:"approved_plan_hash,omitempty"`
	Result           map[string]any `json:"result,omitempty"`
	Error            string         `json:"error,omitempty"`
	CreatedBy        string         `json:"created_by"`
	CreatedAt        string         `json:"created_at" format:"date-time"`
	UpdatedAt        string         `json:"updated_at" format:"date-time"`
	StageStartedAt   string         `json:"stage_started_at" format:"date-time"`
	CompletedAt      *string        `json:"completed_at,omitempty" format:"date-time"`
	ExpiresAt        *string        `json:"expires_at,omitempty" format:"date-time"`
}

// PrimaryRepo is the repository that APPLY, VERIFY and PUBLISH operate on.
func (j Job) PrimaryRepo() RepoRef {
	if len(j.Repos) == 0 {
		return RepoRef{}
	}
	return j.Repos[0]
}

type WorkspaceFingerprint struct {
	Repos         []RepoRef `json:"repos"`
	SelectedPaths []string  `json:"selected_paths"`
	Hash          string    `json:"fingerprint_hash"`
}

// ChangeKind tags a file-level change.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
	ChangeRenamed  ChangeKind = "renamed"
)

func (c ChangeKind) Valid() bool {
	switch c {
	case ChangeAdded, ChangeModified, ChangeDeleted, ChangeRenamed:
		return true
	}
	return false
}

type ScopeFile struct {
	Path   string     `json:"path" yaml:"path" validate:"required"`
	Change ChangeKind `json:"change" yaml:"change" validate:"required,oneof=added modified deleted renamed"`
}

type PlanScope struct {
	Files []ScopeFile `json:"files" yaml:"files" validate:"required,min=1,dive"`
}

type FailureMode struct {
	Trigger    string `json:"trigger" yaml:"trigger" validate:"required"`
	Impact     string `json:"impact" yaml:"impact" validate:"required"`
	Mitigation string `json:"mitigation" yaml:"mitigation" validate:"required"`
}

type TestSpec struct {
	Type   string `json:"type" yaml:"type" validate:"required,oneof=unit integration e2e"`
	Target string `json:"target" yaml:"target" validate:"required"`
}

type CrossRepoImpact struct {
	Repo   string `json:"repo" yaml:"repo" validate:"required"`
	Reason string `json:"reason" yaml:"reason" validate:"required"`
}

// PlanBody is the structured content of a plan version.
type PlanBody struct {
	Summary          string            `json:"summary" yaml:"summary" validate:"required,min=10"`
	Scope            PlanScope         `json:"scope" yaml:"scope"`
	HappyPaths       []string          `json:"happy_paths" yaml:"happy_paths" validate:"required,min=1,dive,required"`
	EdgeCases        []string          `json:"edge_cases" yaml:"edge_cases" validate:"required,min=1,dive,required"`
	FailureModes     []FailureMode     `json:"failure_modes" yaml:"failure_modes" validate:"required,min=1,dive"`
	Assumptions      []string          `json:"assumptions" yaml:"assumptions" validate:"required,min=1,dive,required"`
	Unknowns         []string          `json:"unknowns" yaml:"unknowns"`
	Tests            []TestSpec        `json:"tests" yaml:"tests" validate:"required,min=1,dive"`
	Rollback         []string          `json:"rollback" yaml:"rollback"`
	CrossRepoImpacts []CrossRepoImpact `json:"cross_repo_impacts" yaml:"cross_repo_impacts" validate:"dive"`
}

// Paths returns the scoped file paths in plan order.
func (p PlanBody) Paths() []string {
	out := make([]string, 0, len(p.Scope.Files))
	for _, f := range p.Scope.Files {
		out = append(out, f.Path)
	}
	return out
}

// FeedbackType classifies revision feedback.
type FeedbackType string

const (
	FeedbackGeneral FeedbackType = "general"
	FeedbackScope   FeedbackType = "scope"
	FeedbackTests   FeedbackType = "tests"
	FeedbackSafety  FeedbackType = "safety"
	FeedbackOther   FeedbackType = "other"
)

type PlanFeedback struct {
	Text             string       `json:"feedback_text" validate:"required"`
	Concerns         []string     `json:"specific_concerns,omitempty"`
	RequestedChanges string       `json:"requested_changes,omitempty"`
	Type             FeedbackType `json:"feedback_type" validate:"omitempty,oneof=general scope tests safety other"`
	ProvidedBy       string       `json:"provided_by"`
	ProvidedAt       string       `json:"provided_at" format:"date-time"`
}

type PlanVersion struct {
	JobID               string        `json:"job_id"`
	Version             int           `json:"version"`
	Body                PlanBody      `json:"plan_spec"`
	PlanHash            string        `json:"plan_hash"`
	PreviousVersionHash string        `json:"previous_version_hash,omitempty"`
	Feedback            *PlanFeedback `json:"feedback,omitempty"`
	GeneratedBy         string        `json:"generated_by,omitempty"`
	CreatedAt           string        `json:"created_at" format:"date-time"`
}

type Approval struct {
	JobID       string `json:"job_id"`
	PlanHash    string `json:"plan_hash"`
	PlanVersion int    `json:"plan_version"`
	Approver    string `json:"approver"`
	ApprovedAt  string `json:"approved_at" format:"date-time"`
	Notes       string `json:"notes,omitempty"`
}

type FileChange struct {
	Path    string     `json:"path"`
	Change  ChangeKind `json:"change"`
	Added   int        `json:"added"`
	Deleted int        `json:"deleted"`
}

type Diff struct {
	Files      []FileChange `json:"files"`
	LOCDelta   int          `json:"loc_delta"`
	Patch      string       `json:"patch"`
	BaseCommit string       `json:"base_commit"`
	HeadCommit string       `json:"head_commit"`
	Warnings   []string     `json:"warnings,omitempty"`
}

// Paths returns the changed paths.
func (d Diff) Paths() []string {
	out := make([]string, 0, len(d.Files))
	for _, f := range d.Files {
		out = append(out, f.Path)
	}
	return out
}

// CommandOutcome classifies a verification command result.
type CommandOutcome string

const (
	OutcomeSuccess         CommandOutcome = "success"
	OutcomeNonZeroExit     CommandOutcome = "non-zero-exit"
	OutcomeCommandNotFound CommandOutcome = "command-not-found"
	OutcomeTimeout         CommandOutcome = "timeout"
	OutcomeSkipped         CommandOutcome = "skipped"
)

type CommandResult struct {
	Name     string         `json:"name"`
	Cmd      string         `json:"cmd"`
	Outcome  CommandOutcome `json:"outcome"`
	ExitCode int            `json:"exit_code"`
	Stdout   string         `json:"stdout,omitempty"`
	Stderr   string         `json:"stderr,omitempty"`
	Duration string         `json:"duration"`
}

type VerifyResult struct {
	Passed   bool            `json:"passed"`
	Commands []CommandResult `json:"commands"`
	Summary  string          `json:"summary"`
}

type PublishStats struct {
	FilesChanged int `json:"files_changed"`
	Added        int `json:"added"`
	Deleted      int `json:"deleted"`
	LOCDelta     int `json:"loc_delta"`
}

type PublishMetadata struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Labels      []string     `json:"labels"`
	Files       []string     `json:"changed_files"`
	Stats       PublishStats `json:"stats"`
	PlanVersion int          `json:"plan_version"`
	PlanHash    string       `json:"plan_hash"`
}

type PublishResult struct {
	Branch     string `json:"branch_name"`
	BaseBranch string `json:"base_branch"`
	ChangeID   string `json:"pr_id"`
	URL        string `json:"pr_url"`
	RepoSlug   string `json:"repo_slug,omitempty"`
}

type PartialPublishFailure struct {
	Branch     string          `json:"branch_name"`
	BaseBranch string          `json:"base_branch"`
	RepoSlug   string          `json:"repo_slug,omitempty"`
	Workspace  string          `json:"workspace"`
	StoryKey   string          `json:"story_key,omitempty"`
	Metadata   PublishMetadata `json:"metadata"`
	Error      string          `json:"error"`
	RecordedAt string          `json:"recorded_at" format:"date-time"`
}

// ArtifactType names a kind of stored pipeline artifact.
type ArtifactType string

const (
	ArtifactInputSpec      ArtifactType = "input_spec"
	ArtifactFingerprint    ArtifactType = "workspace_fingerprint"
	ArtifactPlan           ArtifactType = "plan"
	ArtifactPlanFeedback   ArtifactType = "plan_feedback"
	ArtifactApproval       ArtifactType = "approval"
	ArtifactPolicy         ArtifactType = "policy_evaluation"
	ArtifactDiff           ArtifactType = "git_diff"
	ArtifactValidationLogs ArtifactType = "validation_logs"
	ArtifactPRMetadata     ArtifactType = "pr_metadata"
	ArtifactPublishResult  ArtifactType = "publish_result"
	ArtifactPartialFailure ArtifactType = "partial_publish_failure"
	ArtifactError          ArtifactType = "error"
)

var ArtifactTypes = []ArtifactType{
	ArtifactInputSpec, ArtifactFingerprint, ArtifactPlan, ArtifactPlanFeedback, ArtifactApproval,
	ArtifactPolicy, ArtifactDiff, ArtifactValidationLogs, ArtifactPRMetadata, ArtifactPublishResult,
	ArtifactPartialFailure, ArtifactError,
}

func (t ArtifactType) Valid() bool {
	for _, v := range ArtifactTypes {
		if v == t {
			return true
		}
	}
	return false
}

// ArtifactRef identifies one stored artifact and its sidecar metadata.
type ArtifactRef struct {
	JobID       string            `json:"job_id"`
	Type        ArtifactType      `json:"type"`
	Version     int               `json:"version"`
	Size        int64             `json:"size"`
	SHA256      string            `json:"sha256"`
	ContentType string            `json:"content_type"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   string            `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id" db:"id"`
	TS         string `json:"ts" format:"date-time" db:"ts"`
	Type       string `json:"type" db:"type"`
	JobID      string `json:"job_id,omitempty" db:"job_id"`
	EntityKind string `json:"entity_kind" db:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty" db:"entity_id"`
	ActorID    string `json:"actor_id" db:"actor_id"`
	Payload    string `json:"payload_json" db:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id" db:"id"`
	ActorID   string `json:"actor_id" db:"actor_id"`
	Name      string `json:"name,omitempty" db:"name"`
	KeyHash   string `json:"key_hash" db:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time" db:"created_at"`
}

type ActorRole struct {
	ActorID string `json:"actor_id" db:"actor_id"`
	RoleID  string `json:"role_id" db:"role_id"`
}

// Progress summarizes how far a job has advanced.
type Progress struct {
	JobID                  string `json:"job_id"`
	Stage                  Stage  `json:"stage"`
	Percentage             int    `json:"percentage"`
	CurrentStep            string `json:"current_step"`
	TotalSteps             int    `json:"total_steps"`
	StepsCompleted         int    `json:"steps_completed"`
	StageStartedAt         string `json:"stage_started_at,omitempty" format:"date-time"`
	StageDurationSeconds   *int   `json:"stage_duration_seconds,omitempty"`
	EstimatedRemainingSecs *int   `json:"estimated_time_remaining,omitempty"`
}
