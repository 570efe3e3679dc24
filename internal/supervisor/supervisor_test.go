package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fisaks/plcpulse/internal/config"
	"github.com/fisaks/plcpulse/internal/pulse"
)

/* =========================
   Fakes
   ========================= */

type event struct {
	state  pulse.ConnectionState
	sample *pulse.Sample
	fault  *pulse.Fault
}

func (e event) String() string {
	switch {
	case e.sample != nil:
		return "sample"
	case e.fault != nil:
		return "fault:" + string(e.fault.Kind)
	default:
		return string(e.state)
	}
}

type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) PublishState(st pulse.ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{state: st})
}

func (r *recorder) PublishSample(s pulse.Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{sample: &s})
}

func (r *recorder) PublishFault(f pulse.Fault) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{fault: &f})
}

func (r *recorder) snapshot() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event(nil), r.events...)
}

func (r *recorder) names() []string {
	var out []string
	for _, e := range r.snapshot() {
		out = append(out, e.String())
	}
	return out
}

func (r *recorder) samples() []pulse.Sample {
	var out []pulse.Sample
	for _, e := range r.snapshot() {
		if e.sample != nil {
			out = append(out, *e.sample)
		}
	}
	return out
}

type fakeClient struct {
	openGate chan struct{} // nil opens immediately
	openErr  error
	values   []bool
	failAt   int // 1-based read that fails with an exception
	failErr  error

	// readGate holds every read until closed, ignoring ctx like a stuck
	// transport; readStarted is signalled when a read enters the gate.
	readGate    chan struct{}
	readStarted chan struct{}

	mu     sync.Mutex
	reads  int
	closed bool
	done   chan struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{done: make(chan struct{})}
}

func (c *fakeClient) Open(ctx context.Context) error {
	if c.openGate != nil {
		select {
		case <-c.openGate:
		case <-c.done:
			return errors.New("closed")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return c.openErr
}

func (c *fakeClient) ReadCoil(_ context.Context, _ uint8, _ uint16) (bool, error) {
	if c.readGate != nil {
		select {
		case c.readStarted <- struct{}{}:
		default:
		}
		<-c.readGate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	if c.failAt > 0 && c.reads == c.failAt {
		if c.failErr != nil {
			return false, c.failErr
		}
		return false, &pulse.ReadFault{Err: errors.New("illegal data address"), Function: 0x81, Exception: 2}
	}
	if len(c.values) == 0 {
		return true, nil
	}
	return c.values[(c.reads-1)%len(c.values)], nil
}

func (c *fakeClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

func (c *fakeClient) readCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// factory hands out the given clients in order.
type factory struct {
	mu      sync.Mutex
	clients []*fakeClient
	calls   int
}

func (f *factory) New(config.DeviceConfig) (pulse.DeviceClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.clients[f.calls]
	f.calls++
	return c, nil
}

type memSink struct {
	mu   sync.Mutex
	rows []pulse.Sample
	cfgs []config.DeviceConfig
	err  error
}

func (s *memSink) Append(sample pulse.Sample, cfg config.DeviceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.rows = append(s.rows, sample)
	s.cfgs = append(s.cfgs, cfg)
	return nil
}

func (s *memSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func tcpConfig() config.DeviceConfig {
	return config.DeviceConfig{
		ModbusType:  config.TransportTCP,
		IPAddress:   "10.0.0.5",
		Port:        502,
		UnitId:      1,
		CoilAddress: 3,
	}
}

func newSupervisor(t *testing.T, f *factory, sink pulse.PersistenceSink, period time.Duration) (*Supervisor, *recorder) {
	t.Helper()
	rec := &recorder{}
	s, err := New(Options{NewClient: f.New, Publisher: rec, Sink: sink, PollPeriod: period})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, rec
}

func waitEvents(t *testing.T, rec *recorder, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(rec.snapshot()) >= n }, 2*time.Second, time.Millisecond,
		"events so far: %v", rec.names())
}

/* =========================
   Tests
   ========================= */

func TestNew_RequiresFactoryAndPublisher(t *testing.T) {
	_, err := New(Options{Publisher: &recorder{}})
	assert.Error(t, err)
	_, err = New(Options{NewClient: (&factory{}).New})
	assert.Error(t, err)
}

func TestConnect_InvalidConfigIsRejectedSynchronously(t *testing.T) {
	f := &factory{}
	s, rec := newSupervisor(t, f, nil, time.Hour)

	cfg := tcpConfig()
	cfg.CoilAddress = -1
	cfg.IPAddress = ""

	err := s.Connect(cfg)
	var cfgErr *config.ConfigError
	require.True(t, errors.As(err, &cfgErr), "got %v", err)
	assert.Len(t, cfgErr.Problems, 2)

	assert.Empty(t, rec.snapshot())
	assert.Equal(t, pulse.Disconnected, s.Status().State)
	assert.Zero(t, f.calls)
}

func TestConnect_StreamScenario(t *testing.T) {
	client := newFakeClient()
	client.values = []bool{true}
	sink := &memSink{}
	s, rec := newSupervisor(t, &factory{clients: []*fakeClient{client}}, sink, time.Hour)

	require.NoError(t, s.Connect(tcpConfig()))
	waitEvents(t, rec, 3)

	assert.Equal(t, []string{"connecting", "connected", "sample"}, rec.names())
	assert.True(t, rec.samples()[0].Value)
	assert.Zero(t, sink.count())

	st := s.Status()
	assert.Equal(t, pulse.Connected, st.State)
	require.NotNil(t, st.Config)
	assert.Equal(t, 3, st.Config.CoilAddress)
}

func TestConnect_FaultOnThirdRead(t *testing.T) {
	client := newFakeClient()
	client.values = []bool{true, false}
	client.failAt = 3
	s, rec := newSupervisor(t, &factory{clients: []*fakeClient{client}}, nil, 5*time.Millisecond)

	require.NoError(t, s.Connect(tcpConfig()))
	waitEvents(t, rec, 6)
	s.Wait()

	assert.Equal(t, []string{"connecting", "connected", "sample", "sample", "fault:read", "disconnected"}, rec.names())
	fault := rec.snapshot()[4].fault
	assert.Contains(t, fault.Message, "Modbus read error")

	assert.Equal(t, 3, client.readCount())
	assert.Eventually(t, client.isClosed, time.Second, time.Millisecond)
	assert.Equal(t, pulse.Disconnected, s.Status().State)
	assert.Nil(t, s.Status().Config)
}

func TestConnect_TransportFaultMessage(t *testing.T) {
	client := newFakeClient()
	client.failAt = 1
	client.failErr = &pulse.ReadFault{Err: errors.New("i/o timeout")}
	s, rec := newSupervisor(t, &factory{clients: []*fakeClient{client}}, nil, time.Hour)

	require.NoError(t, s.Connect(tcpConfig()))
	waitEvents(t, rec, 4)

	assert.Equal(t, []string{"connecting", "connected", "fault:read", "disconnected"}, rec.names())
	assert.Contains(t, rec.snapshot()[2].fault.Message, "PLC read error")
}

func TestConnect_OpenFailure(t *testing.T) {
	client := newFakeClient()
	client.openErr = &pulse.ConnectError{Target: "10.0.0.5:502", Err: errors.New("refused")}
	s, rec := newSupervisor(t, &factory{clients: []*fakeClient{client}}, nil, time.Hour)

	require.NoError(t, s.Connect(tcpConfig()))
	waitEvents(t, rec, 3)
	s.Wait()

	assert.Equal(t, []string{"connecting", "disconnected", "fault:connect"}, rec.names())
	var connErr *pulse.ConnectError
	assert.True(t, errors.As(rec.snapshot()[2].fault.Err, &connErr))
	assert.Zero(t, client.readCount())
	assert.Eventually(t, client.isClosed, time.Second, time.Millisecond)
}

func TestDisconnect_BeforeOpenCompletes(t *testing.T) {
	client := newFakeClient()
	client.openGate = make(chan struct{})
	s, rec := newSupervisor(t, &factory{clients: []*fakeClient{client}}, nil, time.Millisecond)

	require.NoError(t, s.Connect(tcpConfig()))
	s.Disconnect()
	close(client.openGate)
	s.Wait()

	assert.Equal(t, []string{"connecting", "disconnected"}, rec.names())
	assert.Equal(t, pulse.Disconnected, s.Status().State)
	assert.Zero(t, client.readCount())
	assert.Eventually(t, client.isClosed, time.Second, time.Millisecond)
}

func TestConnect_OnlyLastAttemptPublishes(t *testing.T) {
	first := newFakeClient()
	first.openGate = make(chan struct{})
	first.values = []bool{false}
	second := newFakeClient()
	second.openGate = make(chan struct{})
	second.values = []bool{true}
	f := &factory{clients: []*fakeClient{first, second}}
	s, rec := newSupervisor(t, f, nil, 5*time.Millisecond)

	require.NoError(t, s.Connect(tcpConfig()))
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.calls == 1
	}, time.Second, time.Millisecond)
	require.NoError(t, s.Connect(tcpConfig()))

	close(first.openGate)
	close(second.openGate)
	require.Eventually(t, func() bool { return len(rec.samples()) >= 3 }, 2*time.Second, time.Millisecond)
	s.Disconnect()
	s.Wait()

	names := rec.names()
	assert.Equal(t, []string{"connecting", "connecting", "connected"}, names[:3])
	for _, smp := range rec.samples() {
		assert.True(t, smp.Value, "sample from superseded attempt leaked")
	}
	assert.Zero(t, first.readCount())
	assert.Eventually(t, first.isClosed, time.Second, time.Millisecond)
	assert.Equal(t, "disconnected", names[len(names)-1])
}

func TestConnect_WhileConnectedDropsInFlightRead(t *testing.T) {
	first := newFakeClient()
	first.values = []bool{false}
	first.readGate = make(chan struct{})
	first.readStarted = make(chan struct{}, 1)
	second := newFakeClient()
	second.values = []bool{true}
	s, rec := newSupervisor(t, &factory{clients: []*fakeClient{first, second}}, nil, time.Hour)

	require.NoError(t, s.Connect(tcpConfig()))
	select {
	case <-first.readStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("first read never started")
	}
	require.Equal(t, []string{"connecting", "connected"}, rec.names())

	require.NoError(t, s.Connect(tcpConfig()))
	waitEvents(t, rec, 5)
	assert.Eventually(t, first.isClosed, time.Second, time.Millisecond)

	// the superseded read completes only now
	close(first.readGate)
	require.Eventually(t, func() bool { return first.readCount() == 1 }, time.Second, time.Millisecond)

	s.Disconnect()
	s.Wait()

	assert.Equal(t, []string{"connecting", "connected", "connecting", "connected", "sample", "disconnected"}, rec.names())
	samples := rec.samples()
	require.Len(t, samples, 1)
	assert.True(t, samples[0].Value)
	assert.Equal(t, 1, second.readCount())
}

func TestDisconnect_IsIdempotent(t *testing.T) {
	client := newFakeClient()
	s, rec := newSupervisor(t, &factory{clients: []*fakeClient{client}}, nil, time.Hour)

	s.Disconnect()
	assert.Empty(t, rec.snapshot())

	require.NoError(t, s.Connect(tcpConfig()))
	waitEvents(t, rec, 3)

	s.Disconnect()
	s.Disconnect()
	s.Wait()

	count := 0
	for _, n := range rec.names() {
		if n == "disconnected" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestLogging_RoundTrip(t *testing.T) {
	client := newFakeClient()
	client.values = []bool{true}
	sink := &memSink{}
	s, rec := newSupervisor(t, &factory{clients: []*fakeClient{client}}, sink, time.Hour)

	cfg := tcpConfig()
	cfg.EnableLogging = true
	require.NoError(t, s.Connect(cfg))
	waitEvents(t, rec, 3)
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, time.Millisecond)

	published := rec.samples()
	require.Len(t, published, 1)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.rows, 1)
	assert.True(t, published[0].Timestamp.Equal(sink.rows[0].Timestamp))
	assert.Equal(t, published[0].Value, sink.rows[0].Value)
	assert.Equal(t, 3, sink.cfgs[0].CoilAddress)
}

func TestLogging_SinkErrorDoesNotChangeState(t *testing.T) {
	client := newFakeClient()
	sink := &memSink{err: &pulse.SinkError{Path: "x.csv", Err: errors.New("disk full")}}
	s, rec := newSupervisor(t, &factory{clients: []*fakeClient{client}}, sink, 5*time.Millisecond)

	cfg := tcpConfig()
	cfg.EnableLogging = true
	require.NoError(t, s.Connect(cfg))
	require.Eventually(t, func() bool { return len(rec.samples()) >= 3 }, 2*time.Second, time.Millisecond)

	assert.Equal(t, pulse.Connected, s.Status().State)
	for _, n := range rec.names() {
		assert.NotContains(t, n, "fault")
	}
}

func TestShutdown_RefusesConnect(t *testing.T) {
	client := newFakeClient()
	s, rec := newSupervisor(t, &factory{clients: []*fakeClient{client}}, nil, time.Hour)

	require.NoError(t, s.Connect(tcpConfig()))
	waitEvents(t, rec, 3)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	assert.ErrorIs(t, s.Connect(tcpConfig()), ErrShutdown)
	assert.Equal(t, pulse.Disconnected, s.Status().State)
}
