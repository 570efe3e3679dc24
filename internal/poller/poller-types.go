package poller

import (
	"context"
	"time"

	"github.com/fisaks/plcpulse/internal/pulse"
)

// CoilReader is the slice of pulse.DeviceClient the loop needs.
type CoilReader interface {
	ReadCoil(ctx context.Context, unitID uint8, addr uint16) (bool, error)
}

// Reporter receives the loop's results. Every call carries the generation
// the loop was started with so the receiver can drop stale reports.
type Reporter interface {
	IsCurrent(gen uint64) bool
	OnSample(gen uint64, sample pulse.Sample)
	OnFault(gen uint64, err error)
}

type Config struct {
	Generation  uint64
	UnitID      uint8
	CoilAddress uint16
	Period      time.Duration
}
