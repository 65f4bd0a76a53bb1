package coordinate

import (
	"math"
	"math/rand"
	"testing"
	"time"
)

const convergenceErrStd = 0.2

func generateLatencyMatrix(numNodes int) [][]time.Duration {
	matrix := make([][]time.Duration, numNodes)
	for i := range matrix {
		matrix[i] = make([]time.Duration, numNodes)
	}

	for i := range matrix {
		for j := i; j < numNodes; j++ {
			if i != j {
				rtt := time.Duration(rand.NormFloat64()*float64(10*time.Millisecond) + float64(100*time.Millisecond))
				matrix[i][j], matrix[j][i] = rtt, rtt
			}
		}
	}
	return matrix
}

// perturb returns n scaled by a factor drawn from N(1, convergenceErrStd),
// simulating the jitter a real network would add to a fixed-latency link.
func perturb(n time.Duration) time.Duration {
	return time.Duration(float64(n.Nanoseconds()) * (rand.NormFloat64()*convergenceErrStd + 1))
}

// TestConvergence checks that a population of clients observing a noisy
// but otherwise static latency matrix converges to coordinates whose
// estimated distances track the matrix within convergenceErrStd.
func TestConvergence(t *testing.T) {
	const numNodes = 100
	matrix := generateLatencyMatrix(numNodes)

	nodes := make([]*Client, numNodes)
	for i := range nodes {
		client, err := NewClient(DefaultConfig())
		if err != nil {
			t.Fatal(err)
		}
		nodes[i] = client
	}

	for i := 0; i < 10000; i++ {
		for j := range nodes {
			m := rand.Intn(numNodes)
			if j != m {
				nodes[j].Update(nodes[m].GetCoordinate(), perturb(matrix[j][m]))
			}
		}
	}

	var totalErr float64
	var count float64
	for i := range nodes {
		for j := range nodes {
			if i == j {
				continue
			}
			dist := nodes[i].DistanceTo(nodes[j].GetCoordinate())
			totalErr += math.Abs((dist - matrix[i][j]).Seconds()) / matrix[i][j].Seconds()
			count++
		}
	}

	if avg := totalErr / count; avg > convergenceErrStd {
		t.Fatalf("average error %f exceeds %f", avg, convergenceErrStd)
	}
}
