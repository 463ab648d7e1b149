package submission

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/mind-engage/mindengage-testengine/internal/exam"
	"github.com/mind-engage/mindengage-testengine/internal/storage"
)

// Queue is the on-device list of submissions waiting for the remote store,
// one record per submission id under the pending namespace.
type Queue struct{ kv storage.KV }

func NewQueue(kv storage.KV) *Queue { return &Queue{kv: kv} }

func (q *Queue) Put(ctx context.Context, p exam.PendingSubmission) error {
	return storage.SetJSON(ctx, q.kv, storage.PendingKey(p.Submission.ID), p)
}

func (q *Queue) Get(ctx context.Context, id string) (exam.PendingSubmission, error) {
	var p exam.PendingSubmission
	err := storage.GetJSON(ctx, q.kv, storage.PendingKey(id), &p)
	return p, err
}

func (q *Queue) Delete(ctx context.Context, id string) error {
	return q.kv.Delete(ctx, storage.PendingKey(id).String())
}

// List returns every queued entry, synced or not, oldest first. Entries that
// fail to decode are skipped.
func (q *Queue) List(ctx context.Context) ([]exam.PendingSubmission, error) {
	keys, err := storage.ListNamespace(ctx, q.kv, storage.NamespacePending)
	if err != nil {
		return nil, err
	}
	out := make([]exam.PendingSubmission, 0, len(keys))
	for _, k := range keys {
		b, err := q.kv.Get(ctx, k.String())
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var p exam.PendingSubmission
		if json.Unmarshal(b, &p) != nil {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].QueuedAt.Before(out[j].QueuedAt) })
	return out, nil
}

// For returns queued submissions of one participant, test type and course session.
func (q *Queue) For(ctx context.Context, participantID string, testType exam.TestType, courseSessionID string) ([]exam.Submission, error) {
	all, err := q.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []exam.Submission
	for _, p := range all {
		s := p.Submission
		if s.ParticipantID == participantID && s.TestType == testType && s.CourseSessionID == courseSessionID {
			out = append(out, s)
		}
	}
	return out, nil
}
