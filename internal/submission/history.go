package submission

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/mind-engage/mindengage-testengine/internal/apperr"
	"github.com/mind-engage/mindengage-testengine/internal/connectivity"
	"github.com/mind-engage/mindengage-testengine/internal/exam"
	"github.com/mind-engage/mindengage-testengine/internal/logger"
)

// History merges remote submissions with ones still queued on the device, so
// attempt numbering and retake checks see work done offline.
type History struct {
	remote exam.SubmissionRepo
	queue  *Queue
	probe  connectivity.Probe
	log    *zap.Logger
}

func NewHistory(remote exam.SubmissionRepo, queue *Queue, probe connectivity.Probe, log *zap.Logger) *History {
	return &History{remote: remote, queue: queue, probe: probe, log: logger.OrNop(log)}
}

// ListByParticipantAndType returns submissions oldest first, deduplicated by id.
// An unreachable remote degrades to the local queue; a missing remote schema
// is reported as BACKEND_UNAVAILABLE.
func (h *History) ListByParticipantAndType(ctx context.Context, participantID string, testType exam.TestType, courseSessionID string) ([]exam.Submission, error) {
	local, err := h.queue.For(ctx, participantID, testType, courseSessionID)
	if err != nil {
		return nil, err
	}
	var remote []exam.Submission
	if h.probe.IsOnline(ctx) {
		remote, err = h.remote.ListByParticipantAndType(ctx, participantID, testType, courseSessionID)
		if errors.Is(err, apperr.ErrBackendUnavailable) {
			return nil, err
		}
		if err != nil {
			h.log.Warn("remote submission history unavailable, using local queue", zap.Error(err))
			remote = nil
		}
	}

	seen := make(map[string]bool, len(remote)+len(local))
	out := make([]exam.Submission, 0, len(remote)+len(local))
	for _, s := range append(remote, local...) {
		if seen[s.ID] {
			continue
		}
		seen[s.ID] = true
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}
