package sampler

import (
	"gonum.org/v1/gonum/mat"
)

type EventKind int

const (
	// EventTrial follows every successful evaluation.
	EventTrial EventKind = iota
	// EventFailure follows a failed evaluation that will be retried.
	EventFailure
	// EventWidthFound marks the end of the width search. The width history
	// collected so far is discarded.
	EventWidthFound
	// EventBurnIn reports burn-in exhaustion.
	EventBurnIn
)

func (k EventKind) String() string {
	switch k {
	case EventTrial:
		return "trial"
	case EventFailure:
		return "failure"
	case EventWidthFound:
		return "width-found"
	case EventBurnIn:
		return "burn-in-exhausted"
	}
	return "unknown"
}

// Event is a snapshot of the engine handed to a Recorder. Arrays are
// copies owned by the recorder.
type Event struct {
	Kind  EventKind
	T     float64
	State State
	// Trial counts successful evaluations, Burn the out-of-band ones.
	Trial int
	Burn  int
	// Accepted is set when the trial was emitted as a sample with the
	// given Seq and Index.
	Accepted bool
	Seq      int
	Index    int
	Eta      float64
	Energy   float64
	DOFMu    *mat.Dense
	XScale   *mat.Dense
	Err      error
}

// Recorder receives engine events for later inspection.
type Recorder interface {
	Record(ev Event)
}

// Recorders fans events out to several recorders.
type Recorders []Recorder

func (rs Recorders) Record(ev Event) {
	for _, r := range rs {
		r.Record(ev)
	}
}

type WidthPoint struct {
	Eta    float64
	Energy float64
}

// MemRecorder keeps the width, virial and amplitude histories in memory.
type MemRecorder struct {
	Widths   []WidthPoint
	DOFMu    []*mat.Dense
	XScale   []*mat.Dense
	Samples  int
	Failures int
}

func (m *MemRecorder) Record(ev Event) {
	switch ev.Kind {
	case EventTrial:
		m.Widths = append(m.Widths, WidthPoint{Eta: ev.Eta, Energy: ev.Energy})
		m.DOFMu = append(m.DOFMu, ev.DOFMu)
		m.XScale = append(m.XScale, ev.XScale)
		if ev.Accepted {
			m.Samples++
		}
	case EventFailure:
		m.Failures++
	case EventWidthFound:
		m.Widths = m.Widths[:0]
	}
}
