package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fisaks/plcpulse/internal/config"
	"github.com/fisaks/plcpulse/internal/logging"
	"github.com/fisaks/plcpulse/internal/poller"
	"github.com/fisaks/plcpulse/internal/pulse"
)

const DefaultPollPeriod = time.Second

var ErrShutdown = errors.New("supervisor is shut down")

type Options struct {
	NewClient  pulse.ClientFactory
	Publisher  pulse.EventPublisher
	Sink       pulse.PersistenceSink // optional
	PollPeriod time.Duration
}

// Supervisor owns the single device connection. One mutex guards the state,
// the generation token, the client handle and the active config; device I/O
// never runs under it.
//
// Every connection attempt gets a fresh generation. Goroutines started for
// an attempt carry its generation and check it before any side effect, so
// results from a superseded attempt are dropped.
type Supervisor struct {
	newClient pulse.ClientFactory
	pub       pulse.EventPublisher
	sink      pulse.PersistenceSink
	period    time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    pulse.ConnectionState
	gen      uint64
	cfg      *config.DeviceConfig
	client   pulse.DeviceClient
	cancel   context.CancelFunc
	shutdown bool

	wg sync.WaitGroup
}

func New(opts Options) (*Supervisor, error) {
	if opts.NewClient == nil {
		return nil, errors.New("supervisor: client factory required")
	}
	if opts.Publisher == nil {
		return nil, errors.New("supervisor: publisher required")
	}
	if opts.PollPeriod <= 0 {
		opts.PollPeriod = DefaultPollPeriod
	}
	return &Supervisor{
		newClient: opts.NewClient,
		pub:       opts.Publisher,
		sink:      opts.Sink,
		period:    opts.PollPeriod,
		now:       time.Now,
		state:     pulse.Disconnected,
	}, nil
}

/* =========================
   Commands
   ========================= */

// Connect validates cfg and starts a connection attempt in the background.
// An invalid config is returned as *config.ConfigError with no state change.
// A connect while connecting or connected supersedes the current session.
func (s *Supervisor) Connect(cfg config.DeviceConfig) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return ErrShutdown
	}

	s.invalidateLocked()
	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.cfg = &cfg
	// each attempt announces itself, even when it supersedes another one
	s.state = pulse.Connecting
	s.pub.PublishState(pulse.Connecting)

	logging.Info("Connecting", "gen", gen, "type", cfg.ModbusType, "target", cfg.Target())

	s.wg.Add(1)
	go s.open(ctx, gen, cfg)
	return nil
}

// Disconnect ends the current session. It is a no-op when already
// disconnected.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == pulse.Disconnected {
		return
	}
	logging.Info("Disconnecting", "gen", s.gen)
	s.invalidateLocked()
	s.setStateLocked(pulse.Disconnected)
}

func (s *Supervisor) Status() pulse.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := pulse.Status{State: s.state}
	if s.state == pulse.Connected && s.cfg != nil {
		c := *s.cfg
		st.Config = &c
	}
	return st
}

// Shutdown disconnects, refuses further connects and waits for background
// goroutines until ctx ends.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	s.Disconnect()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every open and poll goroutine has returned.
func (s *Supervisor) Wait() { s.wg.Wait() }

/* =========================
   Connection attempt
   ========================= */

func (s *Supervisor) open(ctx context.Context, gen uint64, cfg config.DeviceConfig) {
	defer s.wg.Done()

	client, err := s.newClient(cfg)
	if err != nil {
		s.connectFailed(gen, nil, &pulse.ConnectError{Target: cfg.Target(), Err: err})
		return
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		client.Close()
		return
	}
	s.client = client
	s.mu.Unlock()

	if err := client.Open(ctx); err != nil {
		s.connectFailed(gen, client, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		// superseded while opening; invalidate already closed the client
		return
	}

	p, err := poller.New(poller.Config{
		Generation:  gen,
		UnitID:      uint8(cfg.UnitId),
		CoilAddress: uint16(cfg.CoilAddress),
		Period:      s.period,
	}, client, s)
	if err != nil {
		logging.Error("Cannot start poller", "gen", gen, "error", err)
		s.invalidateLocked()
		s.setStateLocked(pulse.Disconnected)
		return
	}

	logging.Info("Connected", "gen", gen, "target", cfg.Target())
	s.setStateLocked(pulse.Connected)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		p.Run(ctx)
	}()
}

func (s *Supervisor) connectFailed(gen uint64, client pulse.DeviceClient, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		if client != nil {
			go client.Close()
		}
		return
	}

	logging.Warn("Connect failed", "gen", gen, "error", err)
	s.invalidateLocked()
	s.setStateLocked(pulse.Disconnected)
	s.pub.PublishFault(pulse.Fault{
		Kind:      pulse.FaultConnect,
		Message:   "Failed to connect to PLC",
		Timestamp: s.now(),
		Err:       err,
	})
}

/* =========================
   poller.Reporter
   ========================= */

func (s *Supervisor) IsCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.gen && s.state == pulse.Connected
}

func (s *Supervisor) OnSample(gen uint64, sample pulse.Sample) {
	s.mu.Lock()
	if gen != s.gen || s.state != pulse.Connected {
		s.mu.Unlock()
		return
	}
	s.pub.PublishSample(sample)
	var cfg config.DeviceConfig
	logSample := s.sink != nil && s.cfg != nil && s.cfg.EnableLogging
	if logSample {
		cfg = *s.cfg
	}
	s.mu.Unlock()

	if !logSample {
		return
	}
	if err := s.sink.Append(sample, cfg); err != nil {
		logging.Error("Failed to persist sample", "gen", gen, "error", err)
	}
}

func (s *Supervisor) OnFault(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.state != pulse.Connected {
		return
	}

	s.pub.PublishFault(pulse.Fault{
		Kind:      pulse.FaultRead,
		Message:   readFaultMessage(err),
		Timestamp: s.now(),
		Err:       err,
	})
	s.invalidateLocked()
	s.setStateLocked(pulse.Disconnected)
}

func readFaultMessage(err error) string {
	var rf *pulse.ReadFault
	if errors.As(err, &rf) && rf.IsProtocol() {
		return fmt.Sprintf("Modbus read error: %v", err)
	}
	return fmt.Sprintf("PLC read error: %v", err)
}

/* =========================
   Locked helpers
   ========================= */

// invalidateLocked retires the current generation: the poll loop is woken
// and the client closed on its own goroutine so a blocked read cannot stall
// the caller.
func (s *Supervisor) invalidateLocked() {
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.client != nil {
		c := s.client
		s.client = nil
		go c.Close()
	}
	s.cfg = nil
}

func (s *Supervisor) setStateLocked(st pulse.ConnectionState) {
	if s.state == st {
		return
	}
	s.state = st
	s.pub.PublishState(st)
}
