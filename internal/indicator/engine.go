package indicator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"ta-engine/internal/model"
)

// seriesState holds live indicator instances for one series.
type seriesState struct {
	streams []Streamer
	labels  []string
	lastTS  time.Time
	seen    bool
}

// Engine computes a configured set of indicators independently for every
// series it sees. Instances for a series are created on its first bar.
// Designed for single-goroutine usage, no locks.
type Engine struct {
	// StrictOrder rejects bars whose timestamp is not strictly after the
	// previous bar of the same series. Rejected bars do not touch state.
	StrictOrder bool

	specs  []Spec // normalized
	labels []string
	series map[model.SeriesKey]*seriesState
	fields []Field // scratch reused across Process calls
}

// NewEngine validates specs and returns an engine computing them.
func NewEngine(specs []Spec) (*Engine, error) {
	norm, labels, err := normalizeAll(specs)
	if err != nil {
		return nil, err
	}
	return &Engine{
		specs:  norm,
		labels: labels,
		series: make(map[model.SeriesKey]*seriesState, 64),
	}, nil
}

func normalizeAll(specs []Spec) ([]Spec, []string, error) {
	if err := ValidateSpecs(specs); err != nil {
		return nil, nil, err
	}
	norm := make([]Spec, len(specs))
	labels := make([]string, len(specs))
	for i, s := range specs {
		n, _ := Normalize(s)
		norm[i] = n
		labels[i] = n.Label()
	}
	return norm, labels, nil
}

// Process feeds one bar to every indicator of its series and returns one
// record per output field. Records that are still warming carry Ready=false
// and a NaN value.
func (e *Engine) Process(sb model.SeriesBar) ([]model.IndicatorRecord, error) {
	st, ok := e.series[sb.SeriesKey]
	if !ok {
		var err error
		if st, err = e.newSeries(); err != nil {
			return nil, err
		}
		e.series[sb.SeriesKey] = st
	}

	if e.StrictOrder && st.seen && !sb.TS.After(st.lastTS) {
		return nil, fmt.Errorf("%w: %s bar %s, previous %s", ErrOutOfOrder,
			sb.SeriesKey, sb.TS.Format(time.RFC3339Nano), st.lastTS.Format(time.RFC3339Nano))
	}
	st.lastTS = sb.TS
	st.seen = true

	records := make([]model.IndicatorRecord, 0, len(st.streams))
	for i, s := range st.streams {
		e.fields = s.Step(sb.Bar, e.fields[:0])
		for _, f := range e.fields {
			name := st.labels[i]
			if f.Name != "" {
				name += "." + f.Name
			}
			records = append(records, model.IndicatorRecord{
				Name:     name,
				Exchange: sb.Exchange,
				Symbol:   sb.Symbol,
				TF:       sb.TF,
				TS:       sb.TS,
				Value:    f.V,
				Ready:    f.Valid,
			})
		}
	}
	return records, nil
}

// Run consumes bars and emits indicator records until ctx is done or in is
// closed. Records are dropped when out is full.
func (e *Engine) Run(ctx context.Context, in <-chan model.SeriesBar, out chan<- model.IndicatorRecord) {
	for {
		select {
		case <-ctx.Done():
			return
		case sb, ok := <-in:
			if !ok {
				return
			}
			records, err := e.Process(sb)
			if err != nil {
				slog.Warn("bar rejected", "series", sb.SeriesKey.String(), "error", err)
				continue
			}
			for _, r := range records {
				select {
				case out <- r:
				default:
				}
			}
		}
	}
}

// newSeries builds fresh instances for every configured spec.
func (e *Engine) newSeries() (*seriesState, error) {
	streams := make([]Streamer, len(e.specs))
	for i, s := range e.specs {
		st, err := Build(s)
		if err != nil {
			return nil, fmt.Errorf("build %s: %w", e.labels[i], err)
		}
		streams[i] = st
	}
	return &seriesState{streams: streams, labels: e.labels}, nil
}

// ResetSeries resets every indicator of key to its fresh state. It reports
// whether the series was known.
func (e *Engine) ResetSeries(key model.SeriesKey) bool {
	st, ok := e.series[key]
	if !ok {
		return false
	}
	for _, s := range st.streams {
		s.Reset()
	}
	st.lastTS = time.Time{}
	st.seen = false
	return true
}

// Series lists every series the engine holds state for, sorted by key.
func (e *Engine) Series() []model.SeriesKey {
	keys := make([]model.SeriesKey, 0, len(e.series))
	for k := range e.series {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// SeriesCount returns the number of series holding state.
func (e *Engine) SeriesCount() int { return len(e.series) }

// SeriesState reports the warmup state of every indicator of key, keyed by
// label. It returns nil for an unknown series.
func (e *Engine) SeriesState(key model.SeriesKey) map[string]State {
	st, ok := e.series[key]
	if !ok {
		return nil
	}
	out := make(map[string]State, len(st.streams))
	for i, s := range st.streams {
		out[st.labels[i]] = s.State()
	}
	return out
}

// Specs returns the normalized specs the engine computes.
func (e *Engine) Specs() []Spec {
	out := make([]Spec, len(e.specs))
	copy(out, e.specs)
	return out
}

// Labels returns the record name prefix of each spec, in spec order.
func (e *Engine) Labels() []string {
	out := make([]string, len(e.labels))
	copy(out, e.labels)
	return out
}

// MaxWarmup is the largest warmup period across the configured indicators:
// the number of bars a new series needs before every indicator is valid.
func (e *Engine) MaxWarmup() int {
	w := 0
	for _, s := range e.specs {
		ind, err := Build(s)
		if err != nil {
			continue
		}
		w = max(w, ind.WarmupPeriod())
	}
	return w
}
