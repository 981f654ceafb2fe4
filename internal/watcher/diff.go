package watcher

import (
	"sort"
	"supertask/internal/job"
)

// Diff returns the changes that turn old into new, ordered by id.
func Diff(old, new map[string]job.Definition) []job.Change {
	var out []job.Change
	for id, def := range new {
		prev, ok := old[id]
		switch {
		case !ok:
			out = append(out, job.Change{Kind: job.Added, ID: id, Definition: def})
		case !prev.Equal(def):
			out = append(out, job.Change{Kind: job.Modified, ID: id, Definition: def})
		}
	}
	for id := range old {
		if _, ok := new[id]; !ok {
			out = append(out, job.Change{Kind: job.Removed, ID: id})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// changeFor is Diff restricted to one id. ok is false when nothing changed.
func changeFor(id string, old, new map[string]job.Definition) (job.Change, bool) {
	prev, had := old[id]
	cur, has := new[id]
	switch {
	case !had && has:
		return job.Change{Kind: job.Added, ID: id, Definition: cur}, true
	case had && !has:
		return job.Change{Kind: job.Removed, ID: id}, true
	case had && has && !prev.Equal(cur):
		return job.Change{Kind: job.Modified, ID: id, Definition: cur}, true
	}
	return job.Change{}, false
}

func index(defs []job.Definition) map[string]job.Definition {
	m := make(map[string]job.Definition, len(defs))
	for _, d := range defs {
		m[d.ID] = d
	}
	return m
}
