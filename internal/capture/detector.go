package capture

import (
	"fmt"
	"sync"
	"time"

	"github.com/ent0n29/lexivoice/internal/logging"
)

// SilenceConfig is immutable for the lifetime of one detector.
type SilenceConfig struct {
	Threshold      float64
	IdleTimeout    time.Duration
	SampleInterval time.Duration
}

func DefaultSilenceConfig() SilenceConfig {
	return SilenceConfig{
		Threshold:      0.01,
		IdleTimeout:    5 * time.Second,
		SampleInterval: 100 * time.Millisecond,
	}
}

func (c SilenceConfig) Validate() error {
	if c.Threshold <= 0 {
		return fmt.Errorf("silence threshold must be positive, got %v", c.Threshold)
	}
	if c.SampleInterval <= 0 {
		return fmt.Errorf("silence sample interval must be positive, got %v", c.SampleInterval)
	}
	if c.IdleTimeout <= c.SampleInterval {
		return fmt.Errorf("silence idle timeout %v must exceed sample interval %v", c.IdleTimeout, c.SampleInterval)
	}
	return nil
}

// EnergySource reads the current energy of the live signal. An error means
// the signal is gone (device closed) and ends sampling.
type EnergySource func() (float64, error)

// SilenceDetector samples an EnergySource on a fixed tick and fires an
// auto-stop callback once the signal has stayed at or below the threshold
// for IdleTimeout.
type SilenceDetector struct {
	cfg    SilenceConfig
	source EnergySource
	now    func() time.Time

	mu         sync.Mutex
	gen        uint64
	running    bool
	fired      bool
	lastVoiced time.Time
	stopCh     chan struct{}
}

func NewSilenceDetector(cfg SilenceConfig, source EnergySource) *SilenceDetector {
	return &SilenceDetector{cfg: cfg, source: source, now: time.Now}
}

// Start begins sampling. The idle clock starts now. Calling Start on a
// running detector is a no-op.
func (d *SilenceDetector) Start(onAutoStop func()) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.gen++
	gen := d.gen
	d.running = true
	d.fired = false
	d.lastVoiced = d.now()
	stopCh := make(chan struct{})
	d.stopCh = stopCh
	d.mu.Unlock()

	go d.loop(gen, stopCh, onAutoStop)
}

// Stop cancels sampling. Safe to call when never started, already stopped,
// or from inside the auto-stop callback.
func (d *SilenceDetector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return
	}
	d.running = false
	close(d.stopCh)
}

// Running reports whether the sampling tick is active.
func (d *SilenceDetector) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// LastVoiced is the time of the most recent sample above threshold, or the
// start time when none was seen yet.
func (d *SilenceDetector) LastVoiced() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastVoiced
}

// Observe applies one energy sample taken at now and reports whether this
// sample triggers the auto-stop. It fires at most once per Start.
func (d *SilenceDetector) Observe(energy float64, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.observeLocked(energy, now)
}

func (d *SilenceDetector) observeLocked(energy float64, now time.Time) bool {
	if d.fired {
		return false
	}
	if d.lastVoiced.IsZero() {
		d.lastVoiced = now
	}
	if energy > d.cfg.Threshold {
		d.lastVoiced = now
		return false
	}
	if now.Sub(d.lastVoiced) >= d.cfg.IdleTimeout {
		d.fired = true
		return true
	}
	return false
}

func (d *SilenceDetector) loop(gen uint64, stopCh <-chan struct{}, onAutoStop func()) {
	ticker := time.NewTicker(d.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
		}

		energy, err := d.source()
		if err != nil {
			// Device teardown races are expected; treat as an implicit stop.
			logging.Debugw("silence detector source ended", "error", err)
			d.endIfCurrent(gen)
			return
		}

		d.mu.Lock()
		if !d.running || d.gen != gen {
			d.mu.Unlock()
			return
		}
		fire := d.observeLocked(energy, d.now())
		if fire {
			d.running = false
			close(d.stopCh)
		}
		d.mu.Unlock()

		if fire {
			if onAutoStop != nil {
				onAutoStop()
			}
			return
		}
	}
}

func (d *SilenceDetector) endIfCurrent(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running && d.gen == gen {
		d.running = false
		close(d.stopCh)
	}
}
