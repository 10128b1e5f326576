package monitoring

import "testing"

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var got string
	SetLogger(func(format string, v ...interface{}) { got = format })
	Logf("ingest stalled")
	if got != "ingest stalled" {
		t.Errorf("custom logger not called, got %q", got)
	}

	// nil installs a no-op, not a nil func.
	SetLogger(nil)
	if Logf == nil {
		t.Fatal("Logf is nil after SetLogger(nil)")
	}
	Logf("must not panic")

	got = ""
	SetLogger(func(format string, v ...interface{}) { got = format })
	SetLogger(nil)
	Logf("dropped")
	if got != "" {
		t.Errorf("no-op logger invoked previous hook with %q", got)
	}
}

func TestLogfDefault(t *testing.T) {
	if Logf == nil {
		t.Error("Logf should not be nil by default")
	}
}
