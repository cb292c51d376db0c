package coordinator

import (
	"sync"
	"time"
)

// Watchdog таймер живости. Arm заменяет предыдущий таймер новым; при
// истечении срока вызывается onExpire, после чего watchdog взводится снова,
// поэтому молчащий media host пересоздается на каждом пропущенном сроке.
type Watchdog struct {
	mu       sync.Mutex
	timeout  time.Duration
	onExpire func()
	timer    *time.Timer
	gen      uint64
	stopped  bool
	armedAt  time.Time
}

// NewWatchdog создает невзведенный watchdog
func NewWatchdog(timeout time.Duration, onExpire func()) *Watchdog {
	return &Watchdog{timeout: timeout, onExpire: onExpire}
}

// Arm сдвигает срок на timeout от текущего момента
func (w *Watchdog) Arm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.armLocked()
}

func (w *Watchdog) armLocked() {
	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.gen++
	gen := w.gen
	w.armedAt = time.Now()
	w.timer = time.AfterFunc(w.timeout, func() { w.fire(gen) })
}

func (w *Watchdog) fire(gen uint64) {
	w.mu.Lock()
	if w.stopped || gen != w.gen {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	w.onExpire()

	w.mu.Lock()
	defer w.mu.Unlock()
	// пока выполнялся onExpire, пришел сигнал живости и взвел новый срок
	if gen == w.gen {
		w.armLocked()
	}
}

// Deadline момент следующего срабатывания; нулевой, если не взведен
func (w *Watchdog) Deadline() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.armedAt.IsZero() {
		return time.Time{}
	}
	return w.armedAt.Add(w.timeout)
}

// Stop отменяет таймер; последующие Arm ничего не делают
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
}
