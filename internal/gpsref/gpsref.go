// Package gpsref supplies a surveyed reference position from a serial GPS
// receiver. It reads NMEA sentences, keeps the GGA fixes and hands them to
// a callback; the composition root uses the first good fix to anchor the
// projection frame when config does not pin an origin.
package gpsref

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync/atomic"

	"go.bug.st/serial"
)

var (
	// ErrNotGGA marks sentences of other NMEA types; callers skip them.
	ErrNotGGA = errors.New("not a GGA sentence")
	// ErrChecksum marks sentences that failed checksum validation.
	ErrChecksum = errors.New("NMEA checksum mismatch")
)

// Fix is one parsed GGA position report.
type Fix struct {
	Latitude   float64
	Longitude  float64
	AltitudeM  float64
	Quality    int // 0 none, 1 GPS, 2 DGPS, 4 RTK fixed, 5 RTK float
	Satellites int
	HDOP       float64
}

// Config selects the serial port to read from.
type Config struct {
	Port string
	Baud int // 0: 9600, the NMEA 0183 default
}

// Reader owns the serial read loop. Construct with NewReader and drive it
// with Run.
type Reader struct {
	portName string
	baud     int
	onFix    func(Fix)

	fixes    atomic.Int64
	noFix    atomic.Int64
	badLines atomic.Int64
}

// NewReader builds a reader that invokes onFix for every GGA sentence
// carrying a fix. onFix runs on the read goroutine and must not block.
func NewReader(cfg Config, onFix func(Fix)) *Reader {
	baud := cfg.Baud
	if baud <= 0 {
		baud = 9600
	}
	return &Reader{portName: cfg.Port, baud: baud, onFix: onFix}
}

// Run opens the port and reads sentences until ctx is cancelled or the
// port fails.
func (r *Reader) Run(ctx context.Context) error {
	mode := &serial.Mode{
		BaudRate: r.baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(r.portName, mode)
	if err != nil {
		return fmt.Errorf("open %s: %w", r.portName, err)
	}
	defer port.Close()
	opsf("reading NMEA from %s at %d baud", r.portName, r.baud)

	// A blocked read only notices cancellation when the port is closed
	// under it.
	go func() {
		<-ctx.Done()
		port.Close()
	}()

	if err := r.readLoop(port); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read %s: %w", r.portName, err)
	}
	return nil
}

func (r *Reader) readLoop(rd io.Reader) error {
	scan := bufio.NewScanner(rd)
	for scan.Scan() {
		r.handleLine(scan.Text())
	}
	return scan.Err()
}

func (r *Reader) handleLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	fix, err := ParseGGA(line)
	if err != nil {
		if errors.Is(err, ErrNotGGA) {
			return // RMC, GSV and friends arrive interleaved; not ours
		}
		r.badLines.Add(1)
		diagf("rejected sentence: %v [%s]", err, line)
		return
	}
	if fix.Quality == 0 {
		r.noFix.Add(1)
		return
	}
	if n := r.fixes.Add(1); n == 1 {
		opsf("GPS fix acquired: (%.6f, %.6f, %.1fm) quality=%d sats=%d hdop=%.1f",
			fix.Latitude, fix.Longitude, fix.AltitudeM, fix.Quality, fix.Satellites, fix.HDOP)
	}
	if r.onFix != nil {
		r.onFix(fix)
	}
}

// Fixes returns how many positioned GGA sentences have been handled.
func (r *Reader) Fixes() int64 { return r.fixes.Load() }

// ParseGGA parses one NMEA sentence. Sentences of other types return
// ErrNotGGA; malformed or checksum-failing GGA sentences return an error.
// A structurally valid GGA with fix quality 0 parses to Fix{Quality: 0}
// with position fields untouched.
func ParseGGA(line string) (Fix, error) {
	body, err := stripEnvelope(line)
	if err != nil {
		return Fix{}, err
	}

	fields := strings.Split(body, ",")
	if !strings.HasSuffix(fields[0], "GGA") {
		return Fix{}, ErrNotGGA
	}
	// talker, time, lat, N/S, lon, E/W, quality, sats, hdop, alt, ...
	if len(fields) < 10 {
		return Fix{}, fmt.Errorf("GGA sentence has %d fields, want at least 10", len(fields))
	}

	quality, err := strconv.Atoi(fields[6])
	if err != nil {
		return Fix{}, fmt.Errorf("bad fix quality %q", fields[6])
	}
	if quality == 0 {
		return Fix{}, nil
	}

	var fix Fix
	fix.Quality = quality
	if fix.Latitude, err = parseCoord(fields[2], fields[3]); err != nil {
		return Fix{}, fmt.Errorf("latitude: %w", err)
	}
	if fix.Longitude, err = parseCoord(fields[4], fields[5]); err != nil {
		return Fix{}, fmt.Errorf("longitude: %w", err)
	}
	if fix.Satellites, err = strconv.Atoi(fields[7]); err != nil {
		return Fix{}, fmt.Errorf("bad satellite count %q", fields[7])
	}
	if fix.HDOP, err = strconv.ParseFloat(fields[8], 64); err != nil {
		return Fix{}, fmt.Errorf("bad HDOP %q", fields[8])
	}
	if fix.AltitudeM, err = strconv.ParseFloat(fields[9], 64); err != nil {
		return Fix{}, fmt.Errorf("bad altitude %q", fields[9])
	}
	return fix, nil
}

// stripEnvelope validates the $...*HH framing and returns the payload
// between them.
func stripEnvelope(line string) (string, error) {
	if !strings.HasPrefix(line, "$") {
		return "", fmt.Errorf("sentence does not start with $")
	}
	star := strings.LastIndexByte(line, '*')
	if star < 0 || star+3 > len(line) {
		return "", fmt.Errorf("sentence has no checksum")
	}
	body := line[1:star]
	want, err := strconv.ParseUint(line[star+1:star+3], 16, 8)
	if err != nil {
		return "", fmt.Errorf("bad checksum field %q", line[star+1:])
	}
	var got uint8
	for i := 0; i < len(body); i++ {
		got ^= body[i]
	}
	if got != uint8(want) {
		return "", ErrChecksum
	}
	return body, nil
}

// parseCoord converts NMEA ddmm.mmmm / dddmm.mmmm plus hemisphere into
// signed decimal degrees.
func parseCoord(raw, hemi string) (float64, error) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("bad coordinate %q", raw)
	}
	deg := math.Floor(v / 100)
	dec := deg + (v-deg*100)/60
	switch hemi {
	case "N", "E":
		return dec, nil
	case "S", "W":
		return -dec, nil
	}
	return 0, fmt.Errorf("bad hemisphere %q", hemi)
}
