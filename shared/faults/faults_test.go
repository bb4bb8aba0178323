package faults

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScriptedInjector_ReplaysInOrder(t *testing.T) {
	inj := NewScriptedInjector().Script("ReceiveOrder", Fail, Fail, Pass)
	ctx := context.Background()

	err := inj.Call(ctx, "ReceiveOrder")
	assert.ErrorIs(t, err, ErrTransient)
	err = inj.Call(ctx, "ReceiveOrder")
	assert.ErrorIs(t, err, ErrTransient)
	assert.NoError(t, inj.Call(ctx, "ReceiveOrder"))
	assert.NoError(t, inj.Call(ctx, "ReceiveOrder"))

	assert.NoError(t, inj.Call(ctx, "ChargePayment"))
	assert.Equal(t, 4, inj.Calls("ReceiveOrder"))
	assert.Equal(t, 1, inj.Calls("ChargePayment"))
}

func TestScriptedInjector_StallHonoursContext(t *testing.T) {
	inj := NewScriptedInjector().Script("PreparePackage", Stall)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := inj.Call(ctx, "PreparePackage")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestScriptedInjector_StallEventuallyReturns(t *testing.T) {
	inj := NewScriptedInjector().Script("DispatchCarrier", Stall).WithStallDuration(5 * time.Millisecond)
	assert.NoError(t, inj.Call(context.Background(), "DispatchCarrier"))
}

func TestRandomInjector_SeedIsDeterministic(t *testing.T) {
	cfg := Config{FailProbability: 0.33, StallProbability: 0.34, Seed: 7}
	a, err := NewRandomInjector(cfg)
	require.NoError(t, err)
	b, err := NewRandomInjector(cfg)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		assert.Equal(t, a.Next(), b.Next(), "draw %d", i)
	}
}

func TestRandomInjector_Branches(t *testing.T) {
	alwaysFail, err := NewRandomInjector(Config{FailProbability: 1})
	require.NoError(t, err)
	assert.True(t, errors.Is(alwaysFail.Call(context.Background(), "op"), ErrTransient))

	alwaysStall, err := NewRandomInjector(Config{StallProbability: 1})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, alwaysStall.Call(ctx, "op"), context.DeadlineExceeded)

	never, err := NewRandomInjector(Config{})
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		assert.Equal(t, Pass, never.Next())
	}
}

func TestConfig_Validate(t *testing.T) {
	assert.Error(t, Config{FailProbability: -0.1}.Validate())
	assert.Error(t, Config{FailProbability: 0.6, StallProbability: 0.5}.Validate())
	assert.NoError(t, Config{FailProbability: 0.33, StallProbability: 0.34}.Validate())

	assert.False(t, Config{}.Enabled())
	assert.True(t, Config{StallProbability: 0.1}.Enabled())

	_, err := NewRandomInjector(Config{FailProbability: 2})
	assert.Error(t, err)
}

func TestNopInjector(t *testing.T) {
	assert.NoError(t, NopInjector{}.Call(context.Background(), "op"))
	assert.Equal(t, "stall", Stall.String())
}
