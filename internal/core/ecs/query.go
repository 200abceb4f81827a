package ecs

// Each2 iterates over entities that have both component A and B.
// It iterates over the smaller store and checks the larger one.
func Each2[A, B any](sa *PtrComponentStore[A], sb *PtrComponentStore[B], fn func(EntityID, *A, *B)) {
	if sa.Len() <= sb.Len() {
		for id, a := range sa.data {
			if b, ok := sb.data[id]; ok {
				fn(id, a, b)
			}
		}
		return
	}
	for id, b := range sb.data {
		if a, ok := sa.data[id]; ok {
			fn(id, a, b)
		}
	}
}

// Collect2 is Each2 gathered into a slice of IDs matching keep. Callers that
// mutate either store while walking use this instead of Each2.
func Collect2[A, B any](sa *PtrComponentStore[A], sb *PtrComponentStore[B], keep func(EntityID, *A, *B) bool) []EntityID {
	var out []EntityID
	Each2(sa, sb, func(id EntityID, a *A, b *B) {
		if keep(id, a, b) {
			out = append(out, id)
		}
	})
	return out
}
