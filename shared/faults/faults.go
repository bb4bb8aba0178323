// Package faults provides the stand-in for an unreliable downstream
// dependency. Every activity calls an Injector before touching the store, so
// the retry and timeout paths can be driven from configuration or tests.
package faults

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrTransient is the retryable failure produced by a failing call
var ErrTransient = errors.New("forced failure for testing")

// DefaultStallDuration is long enough to outlive any sane start-to-close timeout
const DefaultStallDuration = 5 * time.Minute

// Injector attempts a call that may fail, stall or succeed
type Injector interface {
	Call(ctx context.Context, operation string) error
}

// Fault is the outcome forced onto a single call
type Fault int

const (
	Pass Fault = iota
	Fail
	Stall
)

func (f Fault) String() string {
	switch f {
	case Pass:
		return "pass"
	case Fail:
		return "fail"
	case Stall:
		return "stall"
	default:
		return "unknown"
	}
}

// apply carries out a fault. A stall returns early only when ctx is done.
func apply(ctx context.Context, f Fault, operation string, stall time.Duration) error {
	switch f {
	case Fail:
		return errors.Wrap(ErrTransient, operation)
	case Stall:
		timer := time.NewTimer(stall)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "%s stalled", operation)
		case <-timer.C:
			return nil
		}
	default:
		return nil
	}
}

// NopInjector never injects a fault
type NopInjector struct{}

func (NopInjector) Call(context.Context, string) error { return nil }

// Config describes a RandomInjector
type Config struct {
	FailProbability  float64       `mapstructure:"fail_probability"`
	StallProbability float64       `mapstructure:"stall_probability"`
	StallDuration    time.Duration `mapstructure:"stall_duration"`
	Seed             int64         `mapstructure:"seed"`
}

// Validate checks the probabilities form a distribution
func (c Config) Validate() error {
	if c.FailProbability < 0 || c.StallProbability < 0 {
		return errors.New("fault probabilities must not be negative")
	}
	if c.FailProbability+c.StallProbability > 1 {
		return errors.New("fault probabilities must not add up to more than 1")
	}
	return nil
}

// Enabled reports whether the config injects anything at all
func (c Config) Enabled() bool {
	return c.FailProbability > 0 || c.StallProbability > 0
}

// RandomInjector fails with FailProbability, stalls with StallProbability and
// passes otherwise. The same seed always yields the same fault sequence.
type RandomInjector struct {
	mu     sync.Mutex
	rnd    *rand.Rand
	config Config
}

// NewRandomInjector creates a seeded injector
func NewRandomInjector(config Config) (*RandomInjector, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.StallDuration <= 0 {
		config.StallDuration = DefaultStallDuration
	}
	return &RandomInjector{
		rnd:    rand.New(rand.NewSource(config.Seed)),
		config: config,
	}, nil
}

// Next draws the next fault without applying it
func (r *RandomInjector) Next() Fault {
	r.mu.Lock()
	n := r.rnd.Float64()
	r.mu.Unlock()

	switch {
	case n < r.config.FailProbability:
		return Fail
	case n < r.config.FailProbability+r.config.StallProbability:
		return Stall
	default:
		return Pass
	}
}

func (r *RandomInjector) Call(ctx context.Context, operation string) error {
	return apply(ctx, r.Next(), operation, r.config.StallDuration)
}

// ScriptedInjector replays a fixed list of faults per operation and passes
// once an operation's script is used up.
type ScriptedInjector struct {
	mu            sync.Mutex
	scripts       map[string][]Fault
	calls         map[string]int
	stallDuration time.Duration
}

// NewScriptedInjector creates an injector with no scripts
func NewScriptedInjector() *ScriptedInjector {
	return &ScriptedInjector{
		scripts:       make(map[string][]Fault),
		calls:         make(map[string]int),
		stallDuration: DefaultStallDuration,
	}
}

// Script appends faults to the operation's queue
func (s *ScriptedInjector) Script(operation string, faults ...Fault) *ScriptedInjector {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[operation] = append(s.scripts[operation], faults...)
	return s
}

// WithStallDuration bounds how long a scripted stall blocks
func (s *ScriptedInjector) WithStallDuration(d time.Duration) *ScriptedInjector {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stallDuration = d
	return s
}

// Calls returns how many times operation has been called
func (s *ScriptedInjector) Calls(operation string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[operation]
}

func (s *ScriptedInjector) Call(ctx context.Context, operation string) error {
	s.mu.Lock()
	s.calls[operation]++
	fault := Pass
	if queue := s.scripts[operation]; len(queue) > 0 {
		fault = queue[0]
		s.scripts[operation] = queue[1:]
	}
	stall := s.stallDuration
	s.mu.Unlock()

	return apply(ctx, fault, operation, stall)
}
