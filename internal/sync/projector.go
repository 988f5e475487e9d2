package sync

import "time"

const (
	// DefaultMetadataDebounce is the quiet period after a metadata edit
	// before the relational mirror is written.
	DefaultMetadataDebounce = 2 * time.Second
	// DefaultMetadataMaxStaleness bounds how long a pending metadata change
	// may coalesce before a flush is forced.
	DefaultMetadataMaxStaleness = 10 * time.Second
)

// metadataDebounce tracks the flush schedule for one document's metadata
// sub-map. Each qualifying mutation re-arms a short timer; the re-arm is
// capped so the flush fires no later than maxStaleness after the first
// pending mutation. The owning actor drives it from a single goroutine, so
// no locking is needed.
type metadataDebounce struct {
	debounce       time.Duration
	maxStaleness   time.Duration
	timer          *time.Timer
	pending        bool
	firstPendingAt time.Time
}

func newMetadataDebounce(debounce, maxStaleness time.Duration) *metadataDebounce {
	if debounce <= 0 {
		debounce = DefaultMetadataDebounce
	}
	if maxStaleness < debounce {
		maxStaleness = DefaultMetadataMaxStaleness
	}
	return &metadataDebounce{debounce: debounce, maxStaleness: maxStaleness}
}

// schedule records a metadata mutation at now and (re)arms the flush timer.
func (d *metadataDebounce) schedule(now time.Time) {
	if !d.pending {
		d.pending = true
		d.firstPendingAt = now
	}
	deadline := now.Add(d.debounce)
	if bound := d.firstPendingAt.Add(d.maxStaleness); deadline.After(bound) {
		deadline = bound
	}
	wait := deadline.Sub(now)
	if wait < 0 {
		wait = 0
	}
	if d.timer == nil {
		d.timer = time.NewTimer(wait)
		return
	}
	if !d.timer.Stop() {
		select {
		case <-d.timer.C:
		default:
		}
	}
	d.timer.Reset(wait)
}

// timerChannel exposes the pending timer for the actor's select loop; it is
// nil (never ready) while no flush is scheduled.
func (d *metadataDebounce) timerChannel() <-chan time.Time {
	if d.timer == nil || !d.pending {
		return nil
	}
	return d.timer.C
}

// fired clears pending state after a flush.
func (d *metadataDebounce) fired() {
	d.pending = false
}
