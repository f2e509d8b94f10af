package ident

import "hash/fnv"

// PartitionFor maps a partition key onto [0, partitionCount). The hash
// is FNV-1a: stable across processes, runs and releases, which every
// instance relies on to agree where a stream lives without talking to
// each other.
func PartitionFor(key string, partitionCount int) int {
	if partitionCount <= 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(partitionCount))
}
