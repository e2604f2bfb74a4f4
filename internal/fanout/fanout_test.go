package fanout

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func ptr(v int) *int { return &v }

func TestCompute_Degenerate(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0, Compute(0, ptr(5)))
	require.Equal(t, 1, Compute(1, ptr(5)))
	require.Equal(t, 0, Compute(-3, ptr(5)))
	require.Equal(t, 1, Compute(1, nil))
}

func TestCompute_DefaultWhenNinesAbsent(t *testing.T) {
	t.Parallel()

	require.Equal(t, 3, Compute(5, nil))
	require.Equal(t, 2, Compute(2, nil))
	require.Equal(t, 3, Compute(1000, nil))
}

func TestCompute_Formula(t *testing.T) {
	t.Parallel()

	tests := []struct {
		peers int
		nines int
		want  int
	}{
		// ceil(ln 10 + 2 ln 10) = ceil(6.907...)
		{peers: 10, nines: 2, want: 7},
		// ceil(ln 100 + 5 ln 10) = ceil(16.118...)
		{peers: 100, nines: 5, want: 17},
		{peers: 2, nines: 0, want: 1},
		{peers: 3, nines: 1000, want: 3},
		{peers: 1000, nines: -4, want: 7},
	}
	for _, tc := range tests {
		if got := Compute(tc.peers, ptr(tc.nines)); got != tc.want {
			t.Fatalf("Compute(%d, %d)=%d, want %d", tc.peers, tc.nines, got, tc.want)
		}
	}
}

func TestCompute_BoundedAndMonotonicInNines(t *testing.T) {
	t.Parallel()

	for peers := 2; peers <= 300; peers++ {
		prev := 0
		for nines := 0; nines <= 12; nines++ {
			k := Compute(peers, ptr(nines))
			if k < 1 || k > peers {
				t.Fatalf("Compute(%d, %d)=%d out of [1,%d]", peers, nines, k, peers)
			}
			if k < prev {
				t.Fatalf("Compute(%d, %d)=%d decreased from %d", peers, nines, k, prev)
			}
			prev = k
		}
	}
}

func TestSample_DistinctAndInRange(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 200; trial++ {
		n := 1 + rng.Intn(40)
		k := rng.Intn(n + 3)
		got := Sample(rng, n, k)

		want := min(k, n)
		require.Len(t, got, want)
		seen := make(map[int]bool, len(got))
		for _, v := range got {
			require.True(t, v >= 0 && v < n, "index %d out of range %d", v, n)
			require.False(t, seen[v], "duplicate index %d", v)
			seen[v] = true
		}
	}
}

func TestSample_Empty(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(1))
	require.Empty(t, Sample(rng, 0, 3))
	require.Empty(t, Sample(rng, 5, 0))
	require.NotNil(t, Sample(rng, 0, 3))
}

func TestSample_Uniform(t *testing.T) {
	t.Parallel()

	const (
		n      = 5
		k      = 2
		trials = 50000
	)
	rng := rand.New(rand.NewSource(42))
	counts := make([]int, n)
	for i := 0; i < trials; i++ {
		for _, v := range Sample(rng, n, k) {
			counts[v]++
		}
	}

	expected := float64(trials*k) / n
	for i, c := range counts {
		dev := (float64(c) - expected) / expected
		if dev > 0.05 || dev < -0.05 {
			t.Fatalf("index %d picked %d times, expected about %.0f", i, c, expected)
		}
	}
}
