package fanout

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSimulate_FullFanoutReachesEveryoneInOneRound(t *testing.T) {
	t.Parallel()

	res := Simulate(rand.New(rand.NewSource(7)), 20, 19)
	require.True(t, res.Complete())
	require.Equal(t, 1, res.Rounds)
	require.Equal(t, 20*19, res.Messages)
}

func TestSimulate_ZeroFanoutReachesOnlyOrigin(t *testing.T) {
	t.Parallel()

	res := Simulate(rand.New(rand.NewSource(7)), 10, 0)
	require.Equal(t, 1, res.Reached)
	require.False(t, res.Complete())
	require.Equal(t, -1, res.Rounds)
	require.Equal(t, 0, res.Messages)
}

func TestSimulate_ComputedFanoutReachesEveryone(t *testing.T) {
	t.Parallel()

	const peers = 200
	k := Compute(peers, ptr(5))
	rng := rand.New(rand.NewSource(99))

	complete := 0
	for i := 0; i < 20; i++ {
		res := Simulate(rng, peers, k)
		require.Equal(t, k, res.Fanout)
		if res.Complete() {
			complete++
		}
	}
	require.Equal(t, 20, complete)
}

func TestSimulate_ClampsFanout(t *testing.T) {
	t.Parallel()

	res := Simulate(rand.New(rand.NewSource(1)), 3, 10)
	require.Equal(t, 2, res.Fanout)
	require.True(t, res.Complete())

	require.Equal(t, 0, Simulate(rand.New(rand.NewSource(1)), 0, 3).Reached)
}
