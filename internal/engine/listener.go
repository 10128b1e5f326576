package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nearfield-data/proximity.live/internal/monitoring"
)

// SampleSink receives decoded submissions from transport listeners. The
// Engine is the production sink; tests substitute their own.
type SampleSink interface {
	Submit(sub Submission) (Ack, error)
}

// UDPListenerConfig contains configuration options for the UDP listener.
type UDPListenerConfig struct {
	Address     string
	RcvBuf      int
	LogInterval time.Duration
	Sink        SampleSink
}

// UDPListener receives scan submissions as UDP datagrams: one JSON-encoded
// submission per datagram, or a JSON array for batched senders. Decoded
// submissions feed the same fail-fast ingest path as the HTTP API, so
// backpressure drops datagrams instead of stalling the socket.
type UDPListener struct {
	address     string
	rcvBuf      int
	logInterval time.Duration
	sink        SampleSink
	conn        *net.UDPConn
	stats       datagramStats
}

// NewUDPListener creates a new UDP listener with the provided configuration.
func NewUDPListener(config UDPListenerConfig) *UDPListener {
	logInterval := config.LogInterval
	if logInterval == 0 {
		logInterval = time.Minute
	}
	return &UDPListener{
		address:     config.Address,
		rcvBuf:      config.RcvBuf,
		logInterval: logInterval,
		sink:        config.Sink,
	}
}

// Start begins listening for datagrams and feeding the sink. It blocks
// until ctx is cancelled.
func (l *UDPListener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	l.conn = conn
	defer conn.Close()

	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			monitoring.Logf("Warning: failed to set UDP receive buffer size to %d: %v", l.rcvBuf, err)
		}
	}
	monitoring.Logf("UDP sample listener started on %s", l.address)

	go l.statsLogging(ctx)

	// Submissions are small JSON objects; batches stay well under this.
	buffer := make([]byte, 8192)

	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("UDP sample listener stopping")
			return ctx.Err()
		default:
			conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
			n, _, err := conn.ReadFromUDP(buffer)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				opsf("UDP read error: %v", err)
				continue
			}
			l.handleDatagram(buffer[:n])
		}
	}
}

// handleDatagram decodes and submits one datagram's worth of samples.
func (l *UDPListener) handleDatagram(payload []byte) {
	l.stats.addDatagram(len(payload))
	subs, err := DecodeDatagram(payload)
	if err != nil {
		l.stats.addDecodeError()
		tracef("datagram decode: %v", err)
		return
	}
	for _, sub := range subs {
		if _, err := l.sink.Submit(sub); err != nil {
			l.stats.addRejected()
			if errors.Is(err, ErrBackpressure) {
				// Fail fast: the producer will resend, blocking the socket
				// would lose more.
				continue
			}
			tracef("datagram submit %s: %v", sub.EntityID, err)
			continue
		}
		l.stats.addAccepted()
	}
}

// Close closes the UDP listener and releases resources.
func (l *UDPListener) Close() error {
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}

func (l *UDPListener) statsLogging(ctx context.Context) {
	// An initial report shortly after startup avoids a long first silence.
	select {
	case <-ctx.Done():
		return
	case <-time.After(2 * time.Second):
		l.stats.logLine()
	}

	ticker := time.NewTicker(l.logInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.stats.logLine()
		}
	}
}

// DecodeDatagram parses one datagram payload into submissions: a single
// JSON object, or a JSON array for batching senders.
func DecodeDatagram(payload []byte) ([]Submission, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, errors.New("empty datagram")
	}
	if trimmed[0] == '[' {
		var subs []Submission
		if err := json.Unmarshal(trimmed, &subs); err != nil {
			return nil, fmt.Errorf("decode batch: %w", err)
		}
		return subs, nil
	}
	var sub Submission
	if err := json.Unmarshal(trimmed, &sub); err != nil {
		return nil, fmt.Errorf("decode submission: %w", err)
	}
	return []Submission{sub}, nil
}

// datagramStats tracks listener throughput between log lines.
type datagramStats struct {
	mu         sync.Mutex
	datagrams  int64
	bytes      int64
	decodeErrs int64
	accepted   int64
	rejected   int64
	lastReset  time.Time
}

func (s *datagramStats) addDatagram(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastReset.IsZero() {
		s.lastReset = time.Now()
	}
	s.datagrams++
	s.bytes += int64(n)
}

func (s *datagramStats) addDecodeError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decodeErrs++
}

func (s *datagramStats) addAccepted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepted++
}

func (s *datagramStats) addRejected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected++
}

func (s *datagramStats) logLine() {
	s.mu.Lock()
	datagrams, bytes := s.datagrams, s.bytes
	decodeErrs, accepted, rejected := s.decodeErrs, s.accepted, s.rejected
	last := s.lastReset
	s.datagrams, s.bytes, s.decodeErrs, s.accepted, s.rejected = 0, 0, 0, 0, 0
	s.lastReset = time.Now()
	s.mu.Unlock()

	if datagrams == 0 {
		return
	}
	secs := time.Since(last).Seconds()
	if secs <= 0 {
		secs = 1
	}
	logMsg := fmt.Sprintf("UDP stats (/sec): %.1f datagrams, %.1f KB, %s accepted",
		float64(datagrams)/secs, float64(bytes)/secs/1024, FormatWithCommas(accepted))
	if rejected > 0 {
		logMsg += fmt.Sprintf(", %d rejected", rejected)
	}
	if decodeErrs > 0 {
		logMsg += fmt.Sprintf(", %d undecodable", decodeErrs)
	}
	monitoring.Logf("%s", logMsg)
}
