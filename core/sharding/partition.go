package sharding

// ShardRange returns the shard ids [0, n).
func ShardRange(n int) []int {
	out := make([]int, max(n, 0))
	for i := range out {
		out[i] = i
	}
	return out
}

// Partition splits ids into k contiguous chunks whose sizes differ by at most
// one; the first len(ids) mod k chunks get the extra item. Concatenating the
// chunks yields ids again. k is clamped to [1, len(ids)] for non-empty input.
func Partition(ids []int, k int) [][]int {
	if len(ids) == 0 {
		return nil
	}
	k = min(max(k, 1), len(ids))

	size, rest := len(ids)/k, len(ids)%k
	out := make([][]int, 0, k)
	start := 0
	for i := range k {
		n := size
		if i < rest {
			n++
		}
		out = append(out, ids[start:start+n:start+n])
		start += n
	}
	return out
}
