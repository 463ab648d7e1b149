package exam

import "context"

// PoolService is the question pool and access-control collaborator.
type PoolService interface {
	AssignedPool(ctx context.Context, testType TestType) (PoolID, bool, error)
	HasAccess(ctx context.Context, participantID string, testType TestType, pool PoolID) (AccessCheck, error)
	RequestAccess(ctx context.Context, participantID string, testType TestType, pool PoolID, reason string) (AccessRequestResult, error)
	UseAccess(ctx context.Context, grantRef string) (UseResult, error)
}

type QuestionRepo interface {
	ListQuestions(ctx context.Context, scope QuestionScope) ([]Question, error)
}

// SubmissionRepo is the server of record for finalized attempts. Insert must
// be idempotent on Submission.ID.
type SubmissionRepo interface {
	Insert(ctx context.Context, s Submission) (Submission, error)
	ListByParticipantAndType(ctx context.Context, participantID string, testType TestType, courseSessionID string) ([]Submission, error)
}

// Store is everything the remote store provides.
type Store interface {
	PoolService
	QuestionRepo
	SubmissionRepo
}
