package session

import (
	"math/rand/v2"

	"github.com/mind-engage/mindengage-testengine/internal/exam"
)

// shuffleQuestions returns a Fisher-Yates permutation of a copy of qs.
func shuffleQuestions(qs []exam.Question, intN func(int) int) []exam.Question {
	out := append([]exam.Question(nil), qs...)
	for i := len(out) - 1; i > 0; i-- {
		j := intN(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// optionLabels returns q's option labels, permuted when shuffle is set.
func optionLabels(q exam.Question, shuffle bool, intN func(int) int) []string {
	labels := make([]string, len(q.Options))
	for i, o := range q.Options {
		labels[i] = o.Label
	}
	if shuffle {
		for i := len(labels) - 1; i > 0; i-- {
			j := intN(i + 1)
			labels[i], labels[j] = labels[j], labels[i]
		}
	}
	return labels
}

// NewRand returns a deterministic source for tests and replays.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}
