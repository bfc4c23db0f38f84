package dataset

import (
	"math/rand/v2"

	"github.com/ZanzyTHEbar/subword-probe/probe/embedding/tokenizer"
)

// Align tokenizes each word on its own and returns the concatenated
// subwords with the token-start array: the subword offset of every word
// followed by the total subword count.
func Align(tok tokenizer.Subword, words []string) ([]string, []int, error) {
	groups := make([][]string, len(words))
	for i, w := range words {
		pieces, err := tok.Tokenize(w)
		if err != nil {
			return nil, nil, err
		}
		groups[i] = pieces
	}
	tokens, starts := flattenGroups(groups)
	return tokens, starts, nil
}

func flattenGroups(groups [][]string) ([]string, []int) {
	var tokens []string
	starts := make([]int, 0, len(groups)+1)
	for _, g := range groups {
		starts = append(starts, len(tokens))
		tokens = append(tokens, g...)
	}
	starts = append(starts, len(tokens))
	return tokens, starts
}

// shuffleGroups reorders the word groups uniformly at random. perm[k] is
// the original position of the group now at k.
func shuffleGroups(rng *rand.Rand, groups [][]string) ([][]string, []int) {
	perm := rng.Perm(len(groups))
	out := make([][]string, len(groups))
	for k, src := range perm {
		out[k] = groups[src]
	}
	return out, perm
}

// inversePermutation maps an original position to its shuffled position.
func inversePermutation(perm []int) []int {
	inv := make([]int, len(perm))
	for k, src := range perm {
		inv[src] = k
	}
	return inv
}

// ShiftTokenStarts converts a raw token-start array (with its trailing
// total-count sentinel) to encoder coordinates where a start marker occupies
// position 0: every offset moves right by one and a leading 0 gives the
// marker its own span. The last element ends up as token count + 1.
func ShiftTokenStarts(raw []int) []int {
	out := make([]int, 0, len(raw)+1)
	out = append(out, 0)
	for _, t := range raw {
		out = append(out, t+1)
	}
	return out
}
