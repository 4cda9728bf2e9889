package determinism

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fixedSource struct {
	now time.Time
	f   float64
	id  uuid.UUID
}

func (s fixedSource) Now() time.Time   { return s.now }
func (s fixedSource) Float64() float64 { return s.f }
func (s fixedSource) UUID() uuid.UUID  { return s.id }

// replayCoordinator answers from a fixed list of values, as a dependent side
// reading values from its batch would.
type replayCoordinator struct {
	values []json.RawMessage
	calls  int
}

func (c *replayCoordinator) Coordinate(gen func() (json.RawMessage, error)) (json.RawMessage, error) {
	if len(c.values) == 0 {
		c.calls++
		return gen()
	}
	v := c.values[0]
	c.values = c.values[1:]
	return v, nil
}

func TestProviderUsesSourceWithoutCoordinator(t *testing.T) {
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	src := fixedSource{now: time.UnixMilli(1700000000123), f: 0.75, id: id}
	p := New(nil, src)

	now, err := p.Now()
	require.NoError(t, err)
	require.True(t, now.Equal(time.UnixMilli(1700000000123)))

	f, err := p.Random()
	require.NoError(t, err)
	require.Equal(t, 0.75, f)

	n, err := p.Intn(8)
	require.NoError(t, err)
	require.Equal(t, 6, n)

	got, err := p.UUID()
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestProviderPrefersCoordinatedValues(t *testing.T) {
	c := &replayCoordinator{values: []json.RawMessage{
		json.RawMessage(`1000`),
		json.RawMessage(`0.5`),
	}}
	p := New(c, fixedSource{now: time.UnixMilli(5), f: 0.1})

	now, err := p.Now()
	require.NoError(t, err)
	require.Equal(t, int64(1000), now.UnixMilli())

	f, err := p.Random()
	require.NoError(t, err)
	require.Equal(t, 0.5, f)
	require.Zero(t, c.calls)

	f, err = p.Random()
	require.NoError(t, err)
	require.Equal(t, 0.1, f)
	require.Equal(t, 1, c.calls)
}

func TestIntnPanicsOnInvalidBound(t *testing.T) {
	p := New(nil, nil)
	require.Panics(t, func() { _, _ = p.Intn(0) })
}

func TestSystemSource(t *testing.T) {
	var s SystemSource
	f := s.Float64()
	require.GreaterOrEqual(t, f, 0.0)
	require.Less(t, f, 1.0)
	require.NotEqual(t, uuid.Nil, s.UUID())
	require.WithinDuration(t, time.Now(), s.Now(), time.Second)
}
