package facehash

import (
	"math/big"
	"slices"
	"sort"
)

// NearestKnown looks up key in sortedKeys and returns the closer of its immediate predecessor
// and successor, provided the numeric distance is below ceiling. An exact match has distance 0.
// On a tie the predecessor wins. sortedKeys must be sorted and share key's width.
func NearestKnown(key string, sortedKeys []string, ceiling *big.Int) (string, bool) {
	if len(sortedKeys) == 0 {
		return "", false
	}
	i := sort.SearchStrings(sortedKeys, key)

	var (
		best     string
		bestDist *big.Int
	)
	for _, j := range []int{i - 1, i} {
		if j < 0 || j >= len(sortedKeys) || len(sortedKeys[j]) != len(key) {
			continue
		}
		d, err := Distance(key, sortedKeys[j])
		if err != nil || d.Cmp(ceiling) >= 0 {
			continue
		}
		if bestDist == nil || d.Cmp(bestDist) < 0 {
			best, bestDist = sortedKeys[j], d
		}
	}
	return best, bestDist != nil
}

// KnownSet is a sorted table of keys with the values filed under each. Build it with Add and
// Sort; after Sort it is safe for concurrent readers.
type KnownSet[T any] struct {
	keys   []string
	values map[string][]T
}

// NewKnownSet returns an empty set.
func NewKnownSet[T any]() *KnownSet[T] {
	return &KnownSet[T]{values: make(map[string][]T)}
}

// Add files v under key.
func (s *KnownSet[T]) Add(key string, v T) {
	if _, ok := s.values[key]; !ok {
		s.keys = append(s.keys, key)
	}
	s.values[key] = append(s.values[key], v)
}

// Sort orders the keys for lookup.
func (s *KnownSet[T]) Sort() {
	slices.Sort(s.keys)
}

// Len returns the number of distinct keys.
func (s *KnownSet[T]) Len() int {
	return len(s.keys)
}

// Nearest returns the values filed under the nearest known key within ceiling.
func (s *KnownSet[T]) Nearest(key string, ceiling *big.Int) ([]T, bool) {
	k, ok := NearestKnown(key, s.keys, ceiling)
	if !ok {
		return nil, false
	}
	return s.values[k], true
}
