package config

// DeepMerge merges overlay into baseline and returns a new map: for each
// key present in overlay, if both baseline and overlay hold a nested
// mapping the merge recurses; otherwise overlay's value replaces
// baseline's. Lists and scalars are never element-merged. Neither input is
// mutated.
func DeepMerge(baseline, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(baseline))
	for k, v := range baseline {
		out[k] = v
	}
	for k, overlayVal := range overlay {
		baseVal, exists := out[k]
		if exists {
			baseMap, baseIsMap := baseVal.(map[string]any)
			overlayMap, overlayIsMap := overlayVal.(map[string]any)
			if baseIsMap && overlayIsMap {
				out[k] = DeepMerge(baseMap, overlayMap)
				continue
			}
		}
		out[k] = overlayVal
	}
	return out
}
