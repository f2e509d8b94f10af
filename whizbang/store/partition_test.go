package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestMergeAssignmentsKeepsHeldAndTakesPending(t *testing.T) {
	assigned := mergeAssignments(
		map[int]bool{3: true},
		map[int]bool{7: true},
		map[int]bool{1: true, 5: true},
		8,
	)

	assert.Equal(t, []int{1, 3, 5}, assigned)
}

func TestMergeAssignmentsSkipsPartitionsHeldByOthers(t *testing.T) {
	assigned := mergeAssignments(
		nil,
		map[int]bool{1: true, 2: true},
		map[int]bool{1: true, 2: true, 3: true},
		8,
	)

	assert.Equal(t, []int{3}, assigned)
}

func TestMergeAssignmentsKeepsOwnPartitionEvenWhenPendingElsewhere(t *testing.T) {
	// A partition this instance holds stays assigned even if another
	// instance shows up as a holder, e.g. right after a lease handover.
	assigned := mergeAssignments(
		map[int]bool{4: true},
		map[int]bool{4: true},
		nil,
		8,
	)

	assert.Equal(t, []int{4}, assigned)
}

func TestMergeAssignmentsCapsAtLimit(t *testing.T) {
	pending := map[int]bool{}
	for partition := 0; partition < 20; partition++ {
		pending[partition] = true
	}

	assigned := mergeAssignments(nil, nil, pending, 4)

	assert.Equal(t, []int{0, 1, 2, 3}, assigned)
}

func TestMergeAssignmentsZeroLimitMeansUnbounded(t *testing.T) {
	pending := map[int]bool{2: true, 9: true, 4: true}

	assigned := mergeAssignments(nil, nil, pending, 0)

	assert.Equal(t, []int{2, 4, 9}, assigned)
}

func TestMergeAssignmentsProperties(t *testing.T) {
	drawSet := func(t *rapid.T, label string) map[int]bool {
		set := map[int]bool{}
		for _, partition := range rapid.SliceOfN(rapid.IntRange(0, 30), 0, 10).Draw(t, label) {
			set[partition] = true
		}
		return set
	}

	rapid.Check(t, func(t *rapid.T) {
		heldByMe := drawSet(t, "heldByMe")
		heldByOthers := drawSet(t, "heldByOthers")
		pending := drawSet(t, "pending")
		limit := rapid.IntRange(0, 12).Draw(t, "limit")

		assigned := mergeAssignments(heldByMe, heldByOthers, pending, limit)

		if limit > 0 && len(assigned) > limit {
			t.Fatalf("assignment of %d partitions exceeds limit %d", len(assigned), limit)
		}
		for i := 1; i < len(assigned); i++ {
			if assigned[i-1] >= assigned[i] {
				t.Fatalf("assignment %v is not strictly ascending", assigned)
			}
		}
		for _, partition := range assigned {
			if !heldByMe[partition] && !pending[partition] {
				t.Fatalf("partition %d assigned without being held or pending", partition)
			}
			if heldByOthers[partition] && !heldByMe[partition] {
				t.Fatalf("partition %d assigned although another instance holds it", partition)
			}
		}
	})
}
