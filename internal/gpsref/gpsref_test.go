package gpsref

import (
	"errors"
	"math"
	"strings"
	"testing"
)

func near(got, want float64) bool {
	return math.Abs(got-want) < 1e-9
}

func TestParseGGA_Valid(t *testing.T) {
	fix, err := ParseGGA("$GPGGA,092750.000,5321.6802,N,00630.3372,W,1,8,1.03,61.7,M,55.2,M,,*76")
	if err != nil {
		t.Fatalf("ParseGGA failed: %v", err)
	}
	if !near(fix.Latitude, 53.0+21.6802/60) {
		t.Errorf("latitude: got %v", fix.Latitude)
	}
	if !near(fix.Longitude, -(6.0 + 30.3372/60)) {
		t.Errorf("longitude: got %v", fix.Longitude)
	}
	if fix.AltitudeM != 61.7 {
		t.Errorf("altitude: got %v", fix.AltitudeM)
	}
	if fix.Quality != 1 || fix.Satellites != 8 {
		t.Errorf("quality/satellites: got %d/%d", fix.Quality, fix.Satellites)
	}
	if fix.HDOP != 1.03 {
		t.Errorf("HDOP: got %v", fix.HDOP)
	}
}

func TestParseGGA_SouthWestHemispheres(t *testing.T) {
	fix, err := ParseGGA("$GNGGA,174800.00,3745.5700,S,12224.8820,W,2,09,0.8,18.3,M,-29.1,M,,*6A")
	if err != nil {
		t.Fatalf("ParseGGA failed: %v", err)
	}
	if !near(fix.Latitude, -37.7595) {
		t.Errorf("latitude: got %v, want -37.7595", fix.Latitude)
	}
	if !near(fix.Longitude, -122.4147) {
		t.Errorf("longitude: got %v, want -122.4147", fix.Longitude)
	}
	if fix.Quality != 2 || fix.Satellites != 9 {
		t.Errorf("quality/satellites: got %d/%d", fix.Quality, fix.Satellites)
	}
}

func TestParseGGA_NoFix(t *testing.T) {
	// Quality 0 with empty altitude: structurally valid, positionless.
	fix, err := ParseGGA("$GPGGA,120000.00,3745.5700,N,12224.8820,W,0,00,99.9,,M,,M,,*77")
	if err != nil {
		t.Fatalf("ParseGGA failed: %v", err)
	}
	if fix.Quality != 0 {
		t.Errorf("expected quality 0, got %d", fix.Quality)
	}
	if fix.Latitude != 0 || fix.Longitude != 0 {
		t.Errorf("expected untouched position, got %v,%v", fix.Latitude, fix.Longitude)
	}
}

func TestParseGGA_BadChecksum(t *testing.T) {
	_, err := ParseGGA("$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*00")
	if !errors.Is(err, ErrChecksum) {
		t.Errorf("expected ErrChecksum, got %v", err)
	}
}

func TestParseGGA_OtherSentenceTypes(t *testing.T) {
	_, err := ParseGGA("$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6A")
	if !errors.Is(err, ErrNotGGA) {
		t.Errorf("expected ErrNotGGA for RMC, got %v", err)
	}
}

func TestParseGGA_Malformed(t *testing.T) {
	cases := []struct {
		name string
		line string
	}{
		{"no dollar", "GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47"},
		{"no checksum", "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,"},
		{"truncated", "$GPGGA,123519,4807.038*45"},
		{"bad hemisphere", "$GPGGA,123519,4807.038,Q,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*58"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseGGA(tc.line); err == nil {
				t.Errorf("expected error for %q", tc.line)
			}
		})
	}
}

func TestReadLoop_CallbackAndCounters(t *testing.T) {
	var fixes []Fix
	r := NewReader(Config{Port: "test"}, func(f Fix) { fixes = append(fixes, f) })

	stream := strings.Join([]string{
		"$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6A", // other type: skipped
		"$GPGGA,092750.000,5321.6802,N,00630.3372,W,1,8,1.03,61.7,M,55.2,M,,*76",
		"$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*00",  // bad checksum
		"$GPGGA,120000.00,3745.5700,N,12224.8820,W,0,00,99.9,,M,,M,,*77",     // no fix
		"$GNGGA,174800.00,3745.5700,S,12224.8820,W,2,09,0.8,18.3,M,-29.1,M,,*6A",
		"",
	}, "\r\n")

	if err := r.readLoop(strings.NewReader(stream)); err != nil {
		t.Fatalf("readLoop failed: %v", err)
	}

	if len(fixes) != 2 {
		t.Fatalf("expected 2 fixes, got %d", len(fixes))
	}
	if !near(fixes[0].Latitude, 53.0+21.6802/60) {
		t.Errorf("first fix latitude: got %v", fixes[0].Latitude)
	}
	if !near(fixes[1].Latitude, -37.7595) {
		t.Errorf("second fix latitude: got %v", fixes[1].Latitude)
	}
	if got := r.Fixes(); got != 2 {
		t.Errorf("Fixes(): got %d", got)
	}
	if got := r.badLines.Load(); got != 1 {
		t.Errorf("expected 1 rejected line, got %d", got)
	}
	if got := r.noFix.Load(); got != 1 {
		t.Errorf("expected 1 no-fix sentence, got %d", got)
	}
}

func TestNewReader_DefaultBaud(t *testing.T) {
	r := NewReader(Config{Port: "/dev/ttyUSB0"}, nil)
	if r.baud != 9600 {
		t.Errorf("expected default 9600 baud, got %d", r.baud)
	}
	r = NewReader(Config{Port: "/dev/ttyUSB0", Baud: 115200}, nil)
	if r.baud != 115200 {
		t.Errorf("expected 115200 baud kept, got %d", r.baud)
	}
}
