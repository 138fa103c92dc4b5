package events

import "sync"

// Recorder is a Sink that keeps everything it receives.
type Recorder struct {
	mu         sync.Mutex
	activities []ActivityData
	changes    []RuleChangeData
	updates    []UpdateData
}

func (r *Recorder) NotifyActivity(d ActivityData) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activities = append(r.activities, d)
}

func (r *Recorder) NotifyChange(d RuleChangeData) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, d)
}

func (r *Recorder) NotifyUpdate(d UpdateData) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, d)
}

// Activities returns a copy of the recorded activity.
func (r *Recorder) Activities() []ActivityData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ActivityData(nil), r.activities...)
}

// Changes returns a copy of the recorded rule events.
func (r *Recorder) Changes() []RuleChangeData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RuleChangeData(nil), r.changes...)
}

// Updates returns a copy of the recorded update pings.
func (r *Recorder) Updates() []UpdateData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]UpdateData(nil), r.updates...)
}

// Reset forgets everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activities, r.changes, r.updates = nil, nil, nil
}

// Fanout forwards to several sinks.
type Fanout []Sink

func (f Fanout) NotifyActivity(d ActivityData) {
	for _, s := range f {
		s.NotifyActivity(d)
	}
}

func (f Fanout) NotifyChange(d RuleChangeData) {
	for _, s := range f {
		s.NotifyChange(d)
	}
}

func (f Fanout) NotifyUpdate(d UpdateData) {
	for _, s := range f {
		s.NotifyUpdate(d)
	}
}
