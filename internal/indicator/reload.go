package indicator

import (
	"log/slog"

	"ta-engine/internal/model"
)

// Reload swaps the engine's indicator set. Indicators whose normalized label
// appears in both the old and the new set keep their accumulated state in
// every series; only genuinely new indicators start cold. It returns the
// number of preserved and created instances across all series.
//
// On a validation error the engine is left unchanged.
func (e *Engine) Reload(specs []Spec) (preserved, created int, err error) {
	norm, labels, err := normalizeAll(specs)
	if err != nil {
		return 0, 0, err
	}

	if labelsEqual(e.labels, labels) {
		e.specs = norm
		for _, st := range e.series {
			preserved += len(st.streams)
		}
		slog.Info("indicator set unchanged", "series", len(e.series), "preserved", preserved)
		return preserved, 0, nil
	}

	migrated := make(map[model.SeriesKey]*seriesState, len(e.series))
	for key, st := range e.series {
		old := make(map[string]Streamer, len(st.streams))
		for i, s := range st.streams {
			old[st.labels[i]] = s
		}

		streams := make([]Streamer, len(norm))
		for i, spec := range norm {
			if s, ok := old[labels[i]]; ok {
				streams[i] = s
				preserved++
				continue
			}
			s, err := Build(spec)
			if err != nil {
				return 0, 0, err
			}
			streams[i] = s
			created++
		}
		migrated[key] = &seriesState{streams: streams, labels: labels, lastTS: st.lastTS, seen: st.seen}
	}

	e.series = migrated
	e.specs = norm
	e.labels = labels

	slog.Info("indicator set reloaded",
		"indicators", len(norm), "series", len(e.series),
		"preserved", preserved, "created", created)
	return preserved, created, nil
}

func labelsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
