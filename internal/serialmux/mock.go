package serialmux

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/junction/internal/lane"
	"github.com/banshee-data/junction/internal/monitoring"
	"github.com/banshee-data/junction/internal/protocol"
)

// errPortClosed is returned by mock ports after Close.
var errPortClosed = errors.New("serial port closed")

// TestableSerialPort implements SerialPorter with configurable behaviour for testing.
// It provides fine-grained control over reads, writes and errors.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by every Write call while set
	WriteError error

	// ShortWrite makes Write report one byte fewer than it was given
	ShortWrite bool

	// CloseError is returned by Close if set
	CloseError error

	// Closed indicates whether Close was called
	Closed bool

	// WriteCalls records the number of Write calls
	WriteCalls int

	readCond *sync.Cond
}

// NewTestableSerialPort creates a new TestableSerialPort. Reads block until
// data is added or the port is closed.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

func (t *TestableSerialPort) Read(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for !t.Closed && t.ReadError == nil && t.ReadBuffer.Len() == 0 {
		t.readCond.Wait()
	}
	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}
	if t.Closed {
		return 0, io.EOF
	}
	return t.ReadBuffer.Read(p)
}

func (t *TestableSerialPort) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.WriteCalls++
	if t.Closed {
		return 0, errPortClosed
	}
	if t.WriteError != nil {
		return 0, t.WriteError
	}
	n, err = t.WriteBuffer.Write(p)
	if t.ShortWrite && n > 0 {
		n--
	}
	return n, err
}

func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	t.readCond.Broadcast()
	return t.CloseError
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadBuffer.Write(data)
	t.readCond.Broadcast()
}

// FailNextRead makes the next Read return err.
func (t *TestableSerialPort) FailNextRead(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadError = err
	t.readCond.Broadcast()
}

// SetWriteError sets the error returned by Write; nil clears it.
func (t *TestableSerialPort) SetWriteError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.WriteError = err
}

// GetWrittenData returns all data written to the port.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return bytes.Clone(t.WriteBuffer.Bytes())
}

// WrittenLines returns the written data split into newline-terminated lines.
func (t *TestableSerialPort) WrittenLines() []string {
	data := strings.TrimSuffix(string(t.GetWrittenData()), "\n")
	if data == "" {
		return nil
	}
	return strings.Split(data, "\n")
}

// SimulatedController stands in for the ESP32 signal controller in dev mode.
// It announces readiness on start, periodically reports stop-line presence,
// and after receiving a program announces readiness again once the program's
// green time plus per-lane clearance has elapsed.
type SimulatedController struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu        sync.Mutex
	pending   []byte
	durations lane.Durations
	closed    bool
	done      chan struct{}

	clearance  time.Duration
	timeScale  float64
	readyToken string
	presence   func() lane.Presence
}

// SimulatorOptions configures NewSimulatedController.
type SimulatorOptions struct {
	// Clearance is the yellow + all-red time the simulator adds per lane.
	Clearance time.Duration
	// TimeScale shrinks simulated durations (0.1 runs ten times faster).
	TimeScale float64
	// PresenceInterval is how often a presence line is emitted; zero disables it.
	PresenceInterval time.Duration
	// Presence supplies the reported presence vector.
	Presence func() lane.Presence
	// ReadyToken is announced when the simulator can take a program;
	// empty uses protocol.DefaultReadyToken.
	ReadyToken string
}

// NewSimulatedController starts a simulator that will immediately report Ready.
func NewSimulatedController(opts SimulatorOptions) *SimulatedController {
	if opts.TimeScale <= 0 {
		opts.TimeScale = 1
	}
	if opts.Presence == nil {
		opts.Presence = func() lane.Presence { return lane.Presence{} }
	}
	if opts.ReadyToken == "" {
		opts.ReadyToken = protocol.DefaultReadyToken
	}
	r, w := io.Pipe()
	sim := &SimulatedController{
		r:          r,
		w:          w,
		done:       make(chan struct{}),
		clearance:  opts.Clearance,
		timeScale:  opts.TimeScale,
		readyToken: opts.ReadyToken,
		presence:   opts.Presence,
	}

	go sim.emit(sim.readyToken + "\n")
	if opts.PresenceInterval > 0 {
		go sim.reportPresence(opts.PresenceInterval)
	}
	return sim
}

// NewSimulatedSerialMux wraps a SimulatedController in a SerialMux.
func NewSimulatedSerialMux(opts SimulatorOptions) *SerialMux[*SimulatedController] {
	return NewSerialMux(NewSimulatedController(opts))
}

func (s *SimulatedController) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

// Write consumes program lines. An Order line completes a program and
// schedules the next Ready announcement.
func (s *SimulatedController) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errPortClosed
	}
	s.pending = append(s.pending, p...)
	for {
		idx := bytes.IndexByte(s.pending, '\n')
		if idx < 0 {
			break
		}
		line := string(s.pending[:idx])
		s.pending = s.pending[idx+1:]
		s.handleLine(line)
	}
	return len(p), nil
}

func (s *SimulatedController) handleLine(line string) {
	if d, err := protocol.ParseTimes(line); err == nil {
		s.durations = d
		return
	}
	if _, err := protocol.ParseOrder(line); err == nil {
		total := time.Duration(s.durations.Total())*time.Second + lane.Count*s.clearance
		wait := time.Duration(float64(total) * s.timeScale)
		monitoring.Logf("simulator: program accepted, next Ready in %v", wait)
		go func() {
			select {
			case <-time.After(wait):
				s.emit(s.readyToken + "\n")
			case <-s.done:
			}
		}()
	}
}

func (s *SimulatedController) reportPresence(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.emit(protocol.EncodePresence(s.presence()))
		case <-s.done:
			return
		}
	}
}

func (s *SimulatedController) emit(line string) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	// a closed pipe makes this return an error, which is fine after Close
	s.w.Write([]byte(line))
}

func (s *SimulatedController) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()
	s.w.Close()
	return s.r.Close()
}
