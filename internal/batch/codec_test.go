package batch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"monitorflux/internal/model"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ts := time.Date(2026, 10, 17, 12, 0, 0, 123, time.UTC)
	in := model.Batch{Samples: []model.Sample{
		model.Gauge("cpu.usage", 42.5, map[string]string{"host": "h1"}, ts),
		model.Event("agent.status", "running", nil, ts),
		model.Counter("net.rx", 0, nil, ts),
	}}

	raw, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(raw)
	require.NoError(t, err)
	require.Len(t, out.Samples, 3)

	assert.Equal(t, "cpu.usage", out.Samples[0].Name())
	assert.Equal(t, 42.5, out.Samples[0].Value().Float())
	host, _ := out.Samples[0].Tag("host")
	assert.Equal(t, "h1", host)
	assert.True(t, out.Samples[0].Timestamp().Equal(ts))

	assert.True(t, out.Samples[1].Value().IsText())
	assert.Equal(t, "running", out.Samples[1].Value().String())
	assert.Equal(t, model.KindEvent, out.Samples[1].Kind())

	assert.False(t, out.Samples[2].Value().IsText())
	assert.Equal(t, 0.0, out.Samples[2].Value().Float())
}

func TestEncodeIsDeterministic(t *testing.T) {
	tags := map[string]string{"b": "2", "a": "1", "c": "3"}
	b := model.Batch{Samples: []model.Sample{model.Gauge("x", 1, tags, time.Unix(1, 0))}}
	first, err := Encode(b)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Encode(b)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestEncodeRejectsMalformedSamples(t *testing.T) {
	bad := model.Batch{Samples: []model.Sample{
		model.Gauge("ok", 1, nil, time.Unix(1, 0)),
		model.Gauge("bad\xff", 1, nil, time.Unix(1, 0)),
	}}
	_, err := Encode(bad)
	assert.ErrorIs(t, err, ErrSerialization)

	_, err = Encode(model.Batch{Samples: []model.Sample{model.Gauge("", 1, nil, time.Time{})}})
	assert.ErrorIs(t, err, ErrSerialization)
}

func TestSequencerStrictlyIncreasing(t *testing.T) {
	var s Sequencer
	prev := s.Last()
	for i := 0; i < 1000; i++ {
		n := s.Next()
		assert.Equal(t, prev+1, n)
		prev = n
	}
}
