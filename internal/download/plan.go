package download

// Plan partitions [0, total) into contiguous chunks. It yields n near-equal
// chunks, the remainder folded into the last one, when total is at least
// minSplit; a single chunk otherwise. An unknown total (<0) yields one
// open-ended chunk.
func Plan(total int64, n int, minSplit int64) []*Chunk {
	if total < 0 {
		return []*Chunk{{Index: 0, Start: 0, End: -1}}
	}
	if n < 1 || total < minSplit || total < int64(n) {
		n = 1
	}

	size := total / int64(n)
	chunks := make([]*Chunk, n)
	for i := 0; i < n; i++ {
		start := int64(i) * size
		end := start + size
		if i == n-1 {
			end = total
		}
		chunks[i] = &Chunk{Index: i, Start: start, End: end}
	}
	return chunks
}
