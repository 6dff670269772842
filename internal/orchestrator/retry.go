package orchestrator

import "time"

// backoffDelay returns the exponential delay before the given retry
// attempt (1-based): base, 2·base, 4·base, ... capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// sleep waits on the orchestrator clock. Returns false if the batch was
// aborted before the delay elapsed.
func (o *Orchestrator) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	done := make(chan struct{})
	t := o.clock.AfterFunc(d, func() { close(done) })
	select {
	case <-done:
		return true
	case <-o.abort:
		t.Stop()
		return false
	}
}
