package poller

import (
	"context"
	"errors"
	"time"

	"github.com/fisaks/plcpulse/internal/logging"
	"github.com/fisaks/plcpulse/internal/pulse"
)

// CoilPoller samples one coil at a fixed period until its generation goes
// stale, its context ends or a read fails. It never retries.
type CoilPoller struct {
	cfg      Config
	client   CoilReader
	reporter Reporter
	now      func() time.Time
}

func New(cfg Config, client CoilReader, reporter Reporter) (*CoilPoller, error) {
	if cfg.Period <= 0 {
		return nil, errors.New("poller: period must be > 0")
	}
	if client == nil {
		return nil, errors.New("poller: client required")
	}
	if reporter == nil {
		return nil, errors.New("poller: reporter required")
	}
	return &CoilPoller{cfg: cfg, client: client, reporter: reporter, now: time.Now}, nil
}

// PollOnce performs exactly one read.
func (p *CoilPoller) PollOnce(ctx context.Context) (pulse.Sample, error) {
	v, err := p.client.ReadCoil(ctx, p.cfg.UnitID, p.cfg.CoilAddress)
	if err != nil {
		return pulse.Sample{}, err
	}
	return pulse.Sample{Timestamp: p.now(), Value: v}, nil
}

// Run reads immediately and then once per period. The sleep between reads
// is interrupted by ctx.
func (p *CoilPoller) Run(ctx context.Context) {
	gen := p.cfg.Generation
	ticker := time.NewTicker(p.cfg.Period)
	defer ticker.Stop()

	logging.Info("CoilPoller started", "gen", gen, "unit", p.cfg.UnitID, "coil", p.cfg.CoilAddress, "poll", p.cfg.Period.Milliseconds())
	defer logging.Info("CoilPoller stopped", "gen", gen)

	for {
		if ctx.Err() != nil || !p.reporter.IsCurrent(gen) {
			return
		}

		sample, err := p.PollOnce(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logging.Warn("Coil read failed", "gen", gen, "error", err)
			}
			p.reporter.OnFault(gen, err)
			return
		}
		p.reporter.OnSample(gen, sample)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
