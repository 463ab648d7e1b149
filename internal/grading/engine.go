// Package grading scores a finished attempt against the canonical answer key.
package grading

import (
	"context"
	"math"

	"github.com/mind-engage/mindengage-testengine/internal/exam"
)

// KindSingleChoice is the only question kind the engine delivers today.
const KindSingleChoice = "single_choice"

// Result is the outcome of grading a single question response.
type Result struct {
	AutoPoints float64 // points awarded
	MaxPoints  float64 // the question's max points
	Correct    bool
}

// Strategy grades a single question.
type Strategy interface {
	Grade(ctx context.Context, q exam.Question, answer string) (Result, error)
}

// Score is the aggregate over an attempt.
type Score struct {
	Percent        float64 // earned / max * 100
	Earned         float64
	Max            float64
	CorrectAnswers int
	TotalQuestions int
}

type Option func(*config)

type config struct {
	DefaultPoints float64 // for questions stored without points
	Precision     int     // decimals kept in Percent
	Strategies    map[string]Strategy
}

func WithDefaultPoints(p float64) Option { return func(c *config) { c.DefaultPoints = p } }
func WithPrecision(n int) Option         { return func(c *config) { c.Precision = n } }
func WithStrategy(kind string, s Strategy) Option {
	return func(c *config) { c.Strategies[kind] = s }
}

// Grader routes every question to its strategy. Questions carry no kind yet,
// so all of them go to KindSingleChoice.
type Grader struct {
	cfg config
}

// NewGrader installs the built-in label-match strategy.
func NewGrader(opts ...Option) *Grader {
	cfg := config{
		DefaultPoints: 1,
		Precision:     2,
		Strategies: map[string]Strategy{
			KindSingleChoice: labelMatchStrategy{},
		},
	}
	for _, o := range opts {
		o(&cfg)
	}
	return &Grader{cfg: cfg}
}

// Score grades answers (question id -> option label) against qs. Unanswered
// questions count toward the total and earn nothing.
func (g *Grader) Score(ctx context.Context, qs []exam.Question, answers map[string]string) (Score, error) {
	s := Score{TotalQuestions: len(qs)}
	strategy := g.cfg.Strategies[KindSingleChoice]
	for _, q := range qs {
		if q.Points <= 0 {
			q.Points = g.cfg.DefaultPoints
		}
		res := Result{MaxPoints: q.Points}
		if a, ok := answers[q.ID]; ok {
			var err error
			if res, err = strategy.Grade(ctx, q, a); err != nil {
				return Score{}, err
			}
		}
		s.Max += res.MaxPoints
		s.Earned += res.AutoPoints
		if res.Correct {
			s.CorrectAnswers++
		}
	}
	if s.Max > 0 {
		p := math.Pow(10, float64(g.cfg.Precision))
		s.Percent = math.Round(s.Earned/s.Max*100*p) / p
	}
	return s, nil
}

// --- Strategies ---

type labelMatchStrategy struct{}

func (labelMatchStrategy) Grade(_ context.Context, q exam.Question, answer string) (Result, error) {
	res := Result{MaxPoints: q.Points}
	if answer != "" && normalize(answer) == normalize(q.CorrectLabel) {
		res.AutoPoints = q.Points
		res.Correct = true
	}
	return res, nil
}
