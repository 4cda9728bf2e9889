// Package determinism routes nondeterministic inputs through a coordinator so
// that the server and its clients observe the same values.
package determinism

import (
	"encoding/json"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
)

// Coordinator agrees on one value with the other side. gen runs only on the
// side that has to produce the value.
type Coordinator interface {
	Coordinate(gen func() (json.RawMessage, error)) (json.RawMessage, error)
}

// Source produces raw nondeterministic inputs.
type Source interface {
	Now() time.Time
	Float64() float64
	UUID() uuid.UUID
}

// SystemSource reads the system clock and the global generator.
type SystemSource struct{}

// Now implements Source.
func (SystemSource) Now() time.Time { return time.Now() }

// Float64 implements Source.
func (SystemSource) Float64() float64 { return rand.Float64() }

// UUID implements Source.
func (SystemSource) UUID() uuid.UUID { return uuid.New() }

// Provider hands out coordinated values.
type Provider struct {
	c   Coordinator
	src Source
}

// New creates a provider. A nil src uses SystemSource.
func New(c Coordinator, src Source) *Provider {
	if src == nil {
		src = SystemSource{}
	}
	return &Provider{c: c, src: src}
}

// Now returns the coordinated current time with millisecond precision.
func (p *Provider) Now() (time.Time, error) {
	var ms int64
	err := p.coordinate(func() any { return p.src.Now().UnixMilli() }, &ms)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

// Random returns a coordinated float in [0, 1).
func (p *Provider) Random() (float64, error) {
	var f float64
	err := p.coordinate(func() any { return p.src.Float64() }, &f)
	return f, err
}

// Intn returns a coordinated int in [0, n). It panics if n <= 0.
func (p *Provider) Intn(n int) (int, error) {
	if n <= 0 {
		panic("determinism: invalid argument to Intn")
	}
	f, err := p.Random()
	if err != nil {
		return 0, err
	}
	return int(f * float64(n)), nil
}

// UUID returns a coordinated random UUID.
func (p *Provider) UUID() (uuid.UUID, error) {
	var s string
	if err := p.coordinate(func() any { return p.src.UUID().String() }, &s); err != nil {
		return uuid.Nil, err
	}
	return uuid.Parse(s)
}

func (p *Provider) coordinate(gen func() any, out any) error {
	generate := func() (json.RawMessage, error) {
		return json.Marshal(gen())
	}

	var raw json.RawMessage
	var err error
	if p.c == nil {
		raw, err = generate()
	} else {
		raw, err = p.c.Coordinate(generate)
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
