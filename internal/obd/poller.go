package obd

import (
	"context"
	"fmt"
	"time"

	"github.com/kstaniek/gsusb-obd/internal/metrics"
)

// Poller samples a PID list at a fixed interval. Run executes on the
// caller's goroutine, which must be the owner of the engine's link.
type Poller struct {
	engine   *Engine
	pids     []byte
	interval time.Duration

	// OnReading is called for every decoded sample.
	OnReading func(Reading)
	// OnError is called for every failed read; the poll round continues.
	OnError func(pid byte, err error)
}

// NewPoller validates pids against the decoder table.
func NewPoller(e *Engine, pids []byte, interval time.Duration) (*Poller, error) {
	if len(pids) == 0 {
		return nil, fmt.Errorf("%w: empty pid list", ErrInvalidPID)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("poll interval must be > 0")
	}
	for _, pid := range pids {
		if _, ok := Lookup(pid); !ok {
			return nil, fmt.Errorf("%w: no decoder for 0x%02X", ErrInvalidPID, pid)
		}
	}
	return &Poller{engine: e, pids: append([]byte(nil), pids...), interval: interval}, nil
}

// Run polls until ctx is done. The first round starts immediately.
func (p *Poller) Run(ctx context.Context) error {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		p.Poll(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Poll reads every PID once and returns how many succeeded. Cancellation is
// checked between queries.
func (p *Poller) Poll(ctx context.Context) int {
	ok := 0
	for _, pid := range p.pids {
		if ctx.Err() != nil {
			return ok
		}
		r, err := p.engine.Read(pid)
		if err != nil {
			if p.OnError != nil {
				p.OnError(pid, err)
			}
			continue
		}
		ok++
		metrics.SetOBDValue(r.PID, r.Name, r.Value)
		if p.OnReading != nil {
			p.OnReading(r)
		}
	}
	return ok
}
