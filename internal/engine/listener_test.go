package engine

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedSink is a SampleSink whose per-call results are scripted up front.
type scriptedSink struct {
	subs []Submission
	errs []error
}

func (s *scriptedSink) Submit(sub Submission) (Ack, error) {
	call := len(s.subs)
	s.subs = append(s.subs, sub)
	if call < len(s.errs) && s.errs[call] != nil {
		return Ack{}, s.errs[call]
	}
	return Ack{Kind: AckUpdated, EntityID: sub.EntityID}, nil
}

func sampleJSON(id string) string {
	return fmt.Sprintf(`{
		"entity_id": %q,
		"kind": "user",
		"sample": {
			"latitude": 37.7595,
			"longitude": -122.4147,
			"altitude_m": 12.0,
			"horizontal_accuracy_m": 3.0,
			"vertical_accuracy_m": 2.0,
			"timestamp": "2026-03-01T12:00:00Z",
			"source": "gps"
		}
	}`, id)
}

func TestDecodeDatagram(t *testing.T) {
	t.Parallel()

	t.Run("single object", func(t *testing.T) {
		subs, err := DecodeDatagram([]byte(sampleJSON("u1")))
		require.NoError(t, err)
		require.Len(t, subs, 1)
		assert.Equal(t, "u1", subs[0].EntityID)
		assert.Equal(t, KindUser, subs[0].Kind)
		assert.InDelta(t, 37.7595, subs[0].Sample.Latitude, 1e-9)
	})

	t.Run("batch array", func(t *testing.T) {
		payload := "[" + sampleJSON("u1") + "," + sampleJSON("u2") + "]"
		subs, err := DecodeDatagram([]byte(payload))
		require.NoError(t, err)
		require.Len(t, subs, 2)
		assert.Equal(t, "u2", subs[1].EntityID)
	})

	t.Run("leading whitespace", func(t *testing.T) {
		subs, err := DecodeDatagram([]byte("\n  " + sampleJSON("u1")))
		require.NoError(t, err)
		assert.Len(t, subs, 1)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := DecodeDatagram([]byte("not json at all"))
		assert.Error(t, err)
	})

	t.Run("truncated batch", func(t *testing.T) {
		_, err := DecodeDatagram([]byte("[" + sampleJSON("u1")))
		assert.Error(t, err)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := DecodeDatagram(nil)
		assert.Error(t, err)
		_, err = DecodeDatagram([]byte("  \n"))
		assert.Error(t, err)
	})
}

func TestUDPListener_HandleDatagram(t *testing.T) {
	t.Parallel()

	t.Run("accepted", func(t *testing.T) {
		sink := &scriptedSink{}
		l := NewUDPListener(UDPListenerConfig{Sink: sink})
		l.handleDatagram([]byte(sampleJSON("u1")))

		require.Len(t, sink.subs, 1)
		assert.Equal(t, int64(1), l.stats.accepted)
		assert.Equal(t, int64(1), l.stats.datagrams)
		assert.Equal(t, int64(0), l.stats.rejected)
	})

	t.Run("backpressure drops without retry", func(t *testing.T) {
		sink := &scriptedSink{errs: []error{nil, ErrBackpressure}}
		l := NewUDPListener(UDPListenerConfig{Sink: sink})
		payload := "[" + sampleJSON("u1") + "," + sampleJSON("u2") + "]"
		l.handleDatagram([]byte(payload))

		assert.Len(t, sink.subs, 2, "every submission is offered exactly once")
		assert.Equal(t, int64(1), l.stats.accepted)
		assert.Equal(t, int64(1), l.stats.rejected)
	})

	t.Run("invalid submission counted rejected", func(t *testing.T) {
		sink := &scriptedSink{errs: []error{ErrInvalidData}}
		l := NewUDPListener(UDPListenerConfig{Sink: sink})
		l.handleDatagram([]byte(sampleJSON("")))

		assert.Equal(t, int64(0), l.stats.accepted)
		assert.Equal(t, int64(1), l.stats.rejected)
	})

	t.Run("undecodable payload never reaches the sink", func(t *testing.T) {
		sink := &scriptedSink{}
		l := NewUDPListener(UDPListenerConfig{Sink: sink})
		l.handleDatagram([]byte("{broken"))

		assert.Empty(t, sink.subs)
		assert.Equal(t, int64(1), l.stats.decodeErrs)
		assert.Equal(t, int64(1), l.stats.datagrams)
	})
}

func TestNewUDPListener_Defaults(t *testing.T) {
	t.Parallel()
	l := NewUDPListener(UDPListenerConfig{Address: ":9901"})
	assert.Equal(t, time.Minute, l.logInterval)

	l = NewUDPListener(UDPListenerConfig{Address: ":9901", LogInterval: 5 * time.Second})
	assert.Equal(t, 5*time.Second, l.logInterval)
}

func TestDatagramStats_LogLineResets(t *testing.T) {
	t.Parallel()
	var s datagramStats
	s.addDatagram(256)
	s.addDatagram(128)
	s.addAccepted()
	s.addRejected()
	s.addDecodeError()

	s.logLine()

	assert.Equal(t, int64(0), s.datagrams)
	assert.Equal(t, int64(0), s.bytes)
	assert.Equal(t, int64(0), s.accepted)
	assert.Equal(t, int64(0), s.rejected)
	assert.Equal(t, int64(0), s.decodeErrs)
}
