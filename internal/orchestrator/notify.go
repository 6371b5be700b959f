package orchestrator

// subscribe registers for settle notifications on a job. The channel holds
// at most one pending signal.
func (o *Orchestrator) subscribe(jobID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	o.mu.Lock()
	set, ok := o.waiters[jobID]
	if !ok {
		set = make(map[chan struct{}]struct{})
		o.waiters[jobID] = set
	}
	set[ch] = struct{}{}
	o.mu.Unlock()

	return ch, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.waiters[jobID], ch)
		if len(o.waiters[jobID]) == 0 {
			delete(o.waiters, jobID)
		}
	}
}

func (o *Orchestrator) notify(jobID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for ch := range o.waiters[jobID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
