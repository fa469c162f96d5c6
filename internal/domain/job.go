package domain

import (
	"strings"
	"time"
	"unicode/utf8"
)

// JobKind enumerates supported generation categories.
type JobKind string

const (
	JobKindImage JobKind = "IMAGE"
	JobKindVideo JobKind = "VIDEO"
)

// JobState enumerates job lifecycle states.
type JobState string

const (
	JobStatePending    JobState = "PENDING"
	JobStateProcessing JobState = "PROCESSING"
	JobStateCompleted  JobState = "COMPLETED"
	JobStateFailed     JobState = "FAILED"
)

// MaxErrorMessageLength bounds the failure message persisted on a job.
const MaxErrorMessageLength = 500

// Valid reports whether s is a known lifecycle state.
func (s JobState) Valid() bool {
	switch s {
	case JobStatePending, JobStateProcessing, JobStateCompleted, JobStateFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition may leave s.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// CanTransition reports whether moving from -> to is a forward step.
func CanTransition(from, to JobState) bool {
	switch from {
	case JobStatePending:
		return to == JobStateProcessing || to == JobStateCompleted || to == JobStateFailed
	case JobStateProcessing:
		return to == JobStateCompleted || to == JobStateFailed
	}
	return false
}

// PriorStates lists the states a job may be in immediately before entering to.
func PriorStates(to JobState) []JobState {
	var prior []JobState
	for _, from := range []JobState{JobStatePending, JobStateProcessing, JobStateCompleted, JobStateFailed} {
		if CanTransition(from, to) {
			prior = append(prior, from)
		}
	}
	return prior
}

// GenerationJob is one user-initiated generation request and its lifecycle.
type GenerationJob struct {
	ID              string
	AccountID       string
	Kind            JobKind
	State           JobState
	Prompt          string
	ModelID         string
	Params          Params
	CreditsCharged  int
	ResultReference *string
	StorageKey      *string
	ThumbnailKey    *string

	SignedURL                   *string
	SignedURLExpiresAt          *time.Time
	ThumbnailSignedURL          *string
	ThumbnailSignedURLExpiresAt *time.Time

	Width         *int
	Height        *int
	Seed          *int64
	CorrelationID *string
	ErrorMessage  *string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// OwnedBy reports whether accountID owns the job.
func (j *GenerationJob) OwnedBy(accountID string) bool {
	return j != nil && accountID != "" && j.AccountID == accountID
}

// Promoted reports whether the durable copy of the result has been stored.
func (j *GenerationJob) Promoted() bool {
	return j != nil && j.StorageKey != nil && *j.StorageKey != ""
}

// Clone returns a deep copy so callers can hand out jobs without sharing pointers.
func (j *GenerationJob) Clone() *GenerationJob {
	if j == nil {
		return nil
	}
	out := *j
	out.Params = j.Params.Clone()
	out.ResultReference = cloneString(j.ResultReference)
	out.StorageKey = cloneString(j.StorageKey)
	out.ThumbnailKey = cloneString(j.ThumbnailKey)
	out.SignedURL = cloneString(j.SignedURL)
	out.SignedURLExpiresAt = cloneTime(j.SignedURLExpiresAt)
	out.ThumbnailSignedURL = cloneString(j.ThumbnailSignedURL)
	out.ThumbnailSignedURLExpiresAt = cloneTime(j.ThumbnailSignedURLExpiresAt)
	out.Width = cloneInt(j.Width)
	out.Height = cloneInt(j.Height)
	if j.Seed != nil {
		v := *j.Seed
		out.Seed = &v
	}
	out.CorrelationID = cloneString(j.CorrelationID)
	out.ErrorMessage = cloneString(j.ErrorMessage)
	out.StartedAt = cloneTime(j.StartedAt)
	out.CompletedAt = cloneTime(j.CompletedAt)
	return &out
}

// JobPatch is a field-scoped update. Nil fields keep their stored value.
// ExpectedStates, when set, guards the write: it only applies while the
// stored state is one of them.
type JobPatch struct {
	State          *JobState
	ExpectedStates []JobState

	ResultReference *string
	StorageKey      *string
	ThumbnailKey    *string

	SignedURL                   *string
	SignedURLExpiresAt          *time.Time
	ThumbnailSignedURL          *string
	ThumbnailSignedURLExpiresAt *time.Time

	Width         *int
	Height        *int
	Seed          *int64
	CorrelationID *string
	ErrorMessage  *string
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// Transition builds a patch that moves a job into state to, guarded by the
// states from which that move is legal.
func Transition(to JobState) JobPatch {
	return JobPatch{State: &to, ExpectedStates: PriorStates(to)}
}

// Empty reports whether the patch would write nothing.
func (p JobPatch) Empty() bool {
	return p.State == nil &&
		p.ResultReference == nil && p.StorageKey == nil && p.ThumbnailKey == nil &&
		p.SignedURL == nil && p.SignedURLExpiresAt == nil &&
		p.ThumbnailSignedURL == nil && p.ThumbnailSignedURLExpiresAt == nil &&
		p.Width == nil && p.Height == nil && p.Seed == nil &&
		p.CorrelationID == nil && p.ErrorMessage == nil &&
		p.StartedAt == nil && p.CompletedAt == nil
}

// Allows reports whether the guard admits a job currently in state.
func (p JobPatch) Allows(state JobState) bool {
	if len(p.ExpectedStates) == 0 {
		return true
	}
	for _, s := range p.ExpectedStates {
		if s == state {
			return true
		}
	}
	return false
}

// ExpectedStateStrings renders the guard for SQL parameters.
func (p JobPatch) ExpectedStateStrings() []string {
	out := make([]string, 0, len(p.ExpectedStates))
	for _, s := range p.ExpectedStates {
		out = append(out, string(s))
	}
	return out
}

// TruncateErrorMessage trims msg to MaxErrorMessageLength bytes without
// splitting a UTF-8 sequence.
func TruncateErrorMessage(msg string) string {
	msg = strings.TrimSpace(msg)
	if len(msg) <= MaxErrorMessageLength {
		return msg
	}
	cut := MaxErrorMessageLength
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
