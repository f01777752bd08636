package main

import (
	"math/rand"
)

// shuffledAnswers returns a uniformly random permutation of the collected
// answers, detached from submission order. Fisher-Yates via rand.Shuffle;
// the process-wide generator keeps the order from repeating across
// questions. The input slice is never mutated.
func shuffledAnswers(answers []Answer) []Answer {
	out := make([]Answer, len(answers))
	copy(out, answers)

	rand.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})

	return out
}
