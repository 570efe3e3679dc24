package messaging

import "github.com/fisaks/plcpulse/internal/pulse"

// Fanout hands every event to each publisher in order.
type Fanout []pulse.EventPublisher

func (f Fanout) PublishState(state pulse.ConnectionState) {
	for _, p := range f {
		p.PublishState(state)
	}
}

func (f Fanout) PublishSample(sample pulse.Sample) {
	for _, p := range f {
		p.PublishSample(sample)
	}
}

func (f Fanout) PublishFault(fault pulse.Fault) {
	for _, p := range f {
		p.PublishFault(fault)
	}
}
