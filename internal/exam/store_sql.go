package exam

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mind-engage/mindengage-testengine/internal/apperr"
)

// SQLStore is the remote store over database/sql (sqlite or postgres).
type SQLStore struct {
	db     *sql.DB
	driver string // "sqlite" or "postgres"
	now    func() time.Time
}

func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver, now: time.Now}
}

// classify turns a missing-schema failure into BACKEND_UNAVAILABLE so callers
// never mistake it for an empty result.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "42P01" {
		return apperr.Wrap(apperr.CodeBackendUnavailable, op, err)
	}
	if strings.Contains(err.Error(), "no such table") {
		return apperr.Wrap(apperr.CodeBackendUnavailable, op, err)
	}
	return err
}

// ---- questions & pools ----

func (s *SQLStore) PutQuestions(ctx context.Context, qs ...Question) error {
	for _, q := range qs {
		oj, err := json.Marshal(q.Options)
		if err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx, `INSERT INTO questions
			(id,test_type,prompt_primary,prompt_secondary,options_json,correct_label,difficulty,category,points,created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (id) DO UPDATE SET test_type=EXCLUDED.test_type, prompt_primary=EXCLUDED.prompt_primary,
			  prompt_secondary=EXCLUDED.prompt_secondary, options_json=EXCLUDED.options_json,
			  correct_label=EXCLUDED.correct_label, difficulty=EXCLUDED.difficulty,
			  category=EXCLUDED.category, points=EXCLUDED.points`,
			q.ID, string(q.TestType), q.Prompt.Primary, q.Prompt.Secondary, string(oj), q.CorrectLabel,
			q.Difficulty, q.Category, q.Points, s.now().Unix())
		if err != nil {
			return classify("put question", err)
		}
	}
	return nil
}

// AssignPool creates (or replaces) a pool's membership and assigns it to testType.
func (s *SQLStore) AssignPool(ctx context.Context, testType TestType, pool PoolID, questionIDs ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO question_pools (id,name,created_at) VALUES ($1,$2,$3)
		ON CONFLICT (id) DO NOTHING`, string(pool), string(pool), s.now().Unix()); err != nil {
		return classify("create pool", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pool_questions WHERE pool_id=$1`, string(pool)); err != nil {
		return classify("reset pool", err)
	}
	for i, id := range questionIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO pool_questions (pool_id,question_id,position) VALUES ($1,$2,$3)`,
			string(pool), id, i); err != nil {
			return classify("add pool question", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO pool_assignments (test_type,pool_id) VALUES ($1,$2)
		ON CONFLICT (test_type) DO UPDATE SET pool_id=EXCLUDED.pool_id`, string(testType), string(pool)); err != nil {
		return classify("assign pool", err)
	}
	return tx.Commit()
}

func (s *SQLStore) ListQuestions(ctx context.Context, scope QuestionScope) ([]Question, error) {
	var (
		rows *sql.Rows
		err  error
	)
	const cols = `q.id,q.test_type,q.prompt_primary,q.prompt_secondary,q.options_json,q.correct_label,q.difficulty,q.category,q.points`
	if scope.PoolID != "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+cols+` FROM pool_questions pq
			JOIN questions q ON q.id = pq.question_id
			WHERE pq.pool_id=$1 ORDER BY pq.position, q.id`, string(scope.PoolID))
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+cols+` FROM questions q WHERE q.test_type=$1 ORDER BY q.id`,
			string(scope.TestType))
	}
	if err != nil {
		return nil, classify("list questions", err)
	}
	defer rows.Close()

	var out []Question
	for rows.Next() {
		var q Question
		var tt, oj string
		if err := rows.Scan(&q.ID, &tt, &q.Prompt.Primary, &q.Prompt.Secondary, &oj, &q.CorrectLabel,
			&q.Difficulty, &q.Category, &q.Points); err != nil {
			return nil, err
		}
		q.TestType = TestType(tt)
		if err := json.Unmarshal([]byte(oj), &q.Options); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// ---- access control ----

func (s *SQLStore) AssignedPool(ctx context.Context, testType TestType) (PoolID, bool, error) {
	var pool string
	err := s.db.QueryRowContext(ctx, `SELECT pool_id FROM pool_assignments WHERE test_type=$1`, string(testType)).Scan(&pool)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, classify("assigned pool", err)
	}
	return PoolID(pool), true, nil
}

func (s *SQLStore) HasAccess(ctx context.Context, participantID string, testType TestType, pool PoolID) (AccessCheck, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id,status,expires_at FROM access_grants
		WHERE participant_id=$1 AND test_type=$2 AND pool_id=$3 ORDER BY updated_at DESC`,
		participantID, string(testType), string(pool))
	if err != nil {
		return AccessCheck{}, classify("has access", err)
	}
	defer rows.Close()

	now := s.now().Unix()
	reason := apperr.ReasonNotRequested
	for rows.Next() {
		var id, status string
		var expires sql.NullInt64
		if err := rows.Scan(&id, &status, &expires); err != nil {
			return AccessCheck{}, err
		}
		switch {
		case status == "pending":
			reason = apperr.ReasonPending
		case status == "approved" && expires.Valid && expires.Int64 < now:
			if reason == apperr.ReasonNotRequested {
				reason = apperr.ReasonExpired
			}
		case status == "approved":
			return AccessCheck{Granted: true, GrantRef: id}, nil
		}
	}
	if err := rows.Err(); err != nil {
		return AccessCheck{}, err
	}
	return AccessCheck{Granted: false, Reason: reason}, nil
}

func (s *SQLStore) RequestAccess(ctx context.Context, participantID string, testType TestType, pool PoolID, reason string) (AccessRequestResult, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM access_grants
		WHERE participant_id=$1 AND test_type=$2 AND pool_id=$3 AND status='pending'`,
		participantID, string(testType), string(pool)).Scan(&exists)
	switch {
	case err == nil:
		return AccessRequestResult{Success: false, Message: "request already pending"}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return AccessRequestResult{}, classify("request access", err)
	}
	now := s.now().Unix()
	_, err = s.db.ExecContext(ctx, `INSERT INTO access_grants
		(id,participant_id,test_type,pool_id,status,reason,requested_at,updated_at)
		VALUES ($1,$2,$3,$4,'pending',$5,$6,$6)`,
		uuid.NewString(), participantID, string(testType), string(pool), reason, now)
	if err != nil {
		return AccessRequestResult{}, classify("request access", err)
	}
	return AccessRequestResult{Success: true, Message: "access requested"}, nil
}

// ApproveAccess approves the participant's pending request, or creates an
// approved grant when none is pending. It returns the grant reference.
func (s *SQLStore) ApproveAccess(ctx context.Context, participantID string, testType TestType, pool PoolID, expiresAt time.Time) (string, error) {
	var exp any
	if !expiresAt.IsZero() {
		exp = expiresAt.Unix()
	}
	now := s.now().Unix()
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM access_grants
		WHERE participant_id=$1 AND test_type=$2 AND pool_id=$3 AND status='pending'`,
		participantID, string(testType), string(pool)).Scan(&id)
	switch {
	case err == nil:
		_, err = s.db.ExecContext(ctx, `UPDATE access_grants SET status='approved', expires_at=$1, updated_at=$2 WHERE id=$3`,
			exp, now, id)
	case errors.Is(err, sql.ErrNoRows):
		id = uuid.NewString()
		_, err = s.db.ExecContext(ctx, `INSERT INTO access_grants
			(id,participant_id,test_type,pool_id,status,expires_at,requested_at,updated_at)
			VALUES ($1,$2,$3,$4,'approved',$5,$6,$6)`,
			id, participantID, string(testType), string(pool), exp, now)
	}
	if err != nil {
		return "", classify("approve access", err)
	}
	return id, nil
}

func (s *SQLStore) UseAccess(ctx context.Context, grantRef string) (UseResult, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE access_grants SET uses=uses+1, updated_at=$1 WHERE id=$2`,
		s.now().Unix(), grantRef)
	if err != nil {
		return UseResult{}, classify("use access", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return UseResult{Expired: true}, nil
	}
	var expires sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT expires_at FROM access_grants WHERE id=$1`, grantRef).Scan(&expires); err != nil {
		return UseResult{}, classify("use access", err)
	}
	return UseResult{Expired: expires.Valid && expires.Int64 < s.now().Unix()}, nil
}

// ---- submissions ----

// Insert writes s in one statement; a replay of an already stored id is a no-op
// that returns the stored row.
func (s *SQLStore) Insert(ctx context.Context, sub Submission) (Submission, error) {
	aj, err := json.Marshal(sub.Answers)
	if err != nil {
		return Submission{}, err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO test_submissions
		(id,participant_id,test_type,course_session_id,score,total_questions,correct_answers,elapsed_seconds,
		 submitted_at,attempt_number,results_released,retake_allowed,timed_out,answers_json)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO NOTHING`,
		sub.ID, sub.ParticipantID, string(sub.TestType), sub.CourseSessionID, sub.Score, sub.TotalQuestions,
		sub.CorrectAnswers, sub.ElapsedSeconds, sub.SubmittedAt.Unix(), sub.AttemptNumber,
		sub.ResultsReleased, sub.RetakeAllowed, sub.TimedOut, string(aj))
	if err != nil {
		return Submission{}, classify("insert submission", err)
	}
	return s.getSubmission(ctx, sub.ID)
}

const submissionCols = `id,participant_id,test_type,course_session_id,score,total_questions,correct_answers,
	elapsed_seconds,submitted_at,attempt_number,results_released,retake_allowed,timed_out,answers_json`

type scanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row scanner) (Submission, error) {
	var sub Submission
	var tt, aj string
	var at int64
	if err := row.Scan(&sub.ID, &sub.ParticipantID, &tt, &sub.CourseSessionID, &sub.Score, &sub.TotalQuestions,
		&sub.CorrectAnswers, &sub.ElapsedSeconds, &at, &sub.AttemptNumber, &sub.ResultsReleased,
		&sub.RetakeAllowed, &sub.TimedOut, &aj); err != nil {
		return Submission{}, err
	}
	sub.TestType = TestType(tt)
	sub.SubmittedAt = time.Unix(at, 0).UTC()
	if err := json.Unmarshal([]byte(aj), &sub.Answers); err != nil {
		sub.Answers = map[string]string{}
	}
	return sub, nil
}

func (s *SQLStore) getSubmission(ctx context.Context, id string) (Submission, error) {
	sub, err := scanSubmission(s.db.QueryRowContext(ctx, `SELECT `+submissionCols+` FROM test_submissions WHERE id=$1`, id))
	if err != nil {
		return Submission{}, classify("get submission", err)
	}
	return sub, nil
}

func (s *SQLStore) ListByParticipantAndType(ctx context.Context, participantID string, testType TestType, courseSessionID string) ([]Submission, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+submissionCols+` FROM test_submissions
		WHERE participant_id=$1 AND test_type=$2 AND course_session_id=$3
		ORDER BY submitted_at ASC`, participantID, string(testType), courseSessionID)
	if err != nil {
		return nil, classify("list submissions", err)
	}
	defer rows.Close()
	var out []Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// SetRetakeAllowed is the admin release hook used by rule 3 of the retake policy.
func (s *SQLStore) SetRetakeAllowed(ctx context.Context, submissionID string, allowed bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE test_submissions SET retake_allowed=$1 WHERE id=$2`, allowed, submissionID)
	return classify("set retake allowed", err)
}
