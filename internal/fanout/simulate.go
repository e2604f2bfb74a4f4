package fanout

// Reachability is the outcome of one broadcast over a static k-out overlay.
type Reachability struct {
	Peers    int
	Fanout   int
	Reached  int
	Rounds   int // -1 unless every peer was reached
	Messages int
}

// Complete reports whether the broadcast reached every peer.
func (r Reachability) Complete() bool {
	return r.Reached == r.Peers
}

// Simulate builds a directed overlay where each of n peers links to k distinct
// other peers, then floods from peer 0 and measures reachability.
//
// Messages counts one push per edge of every reached peer.
func Simulate(src Source, n, k int) Reachability {
	res := Reachability{Peers: n, Fanout: k, Rounds: -1}
	if n <= 0 {
		return res
	}
	if k > n-1 {
		k = n - 1
	}
	if k < 0 {
		k = 0
	}
	res.Fanout = k

	graph := make([][]int, n)
	for i := range graph {
		// Sample over the n-1 other peers, then shift past i.
		targets := Sample(src, n-1, k)
		for j, t := range targets {
			if t >= i {
				targets[j] = t + 1
			}
		}
		graph[i] = targets
	}

	dist := make([]int, n)
	for i := range dist {
		dist[i] = -1
	}
	dist[0] = 0
	queue := []int{0}
	maxDist := 0
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		res.Reached++
		for _, v := range graph[u] {
			if dist[v] >= 0 {
				continue
			}
			dist[v] = dist[u] + 1
			if dist[v] > maxDist {
				maxDist = dist[v]
			}
			queue = append(queue, v)
		}
	}

	res.Messages = res.Reached * k
	if res.Complete() {
		res.Rounds = maxDist
	}
	return res
}
