package embedding

import (
	"cmp"
	"slices"
	"strconv"
	"strings"
)

// selectLayerOutputs picks the per-layer hidden-state outputs of an exported
// encoder among its float outputs, ordered by layer. Pooler outputs never
// qualify, and when an export lists hidden_states.N the separate
// last_hidden_state (a copy of the final layer) is dropped.
func selectLayerOutputs(names []string) []string {
	var all, layered []string
	for _, name := range names {
		lower := strings.ToLower(name)
		if strings.Contains(lower, "pool") {
			continue
		}
		all = append(all, name)
		if strings.Contains(lower, "hidden_states") {
			layered = append(layered, name)
		}
	}
	out := all
	if len(layered) > 0 {
		out = layered
	}
	out = slices.Clone(out)
	slices.SortFunc(out, compareLayerNames)
	return out
}

// compareLayerNames orders names by their trailing integer, then by name, so
// that hidden_states.2 < hidden_states.10.
func compareLayerNames(a, b string) int {
	return cmp.Or(cmp.Compare(layerNumber(a), layerNumber(b)), strings.Compare(a, b))
}

func layerNumber(name string) int {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	n, err := strconv.Atoi(name[i:])
	if err != nil {
		return -1
	}
	return n
}
