package registry

import "strings"

// match resolves topic against all registered points. A registered path
// matches when it equals the topic or is a suffix of it on a segment
// boundary. The longest path wins; ties go to the earlier registration.
// When nothing matches, device-level entries (points without a field) are
// tried against the topic's parent. Callers must hold r.mu.
func (r *VariableRegistry) match(topic string) *entry {
	topic = strings.Trim(topic, "/")
	if topic == "" {
		return nil
	}

	if e := r.bestMatch(topic, false); e != nil {
		return e
	}

	idx := strings.LastIndex(topic, "/")
	if idx < 0 {
		return nil
	}
	return r.bestMatch(topic[:idx], true)
}

func (r *VariableRegistry) bestMatch(topic string, deviceOnly bool) *entry {
	var best *entry
	bestLen := -1

	consider := func(e *entry) {
		if deviceOnly && e.point.Field != "" {
			return
		}
		path := e.point.Path()
		if !pathMatches(topic, path) {
			return
		}
		if len(path) > bestLen || (len(path) == bestLen && e.seq < best.seq) {
			best = e
			bestLen = len(path)
		}
	}

	for _, e := range r.inputs {
		consider(e)
	}
	for _, e := range r.outputs {
		consider(e)
	}
	return best
}

// pathMatches reports whether path equals topic or is a trailing run of
// its segments.
func pathMatches(topic, path string) bool {
	if path == "" {
		return false
	}
	if topic == path {
		return true
	}
	return strings.HasSuffix(topic, "/"+path)
}
