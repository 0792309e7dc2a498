// Package util contains helper functions used around the code.
package util

import (
	"hash/fnv"
	"sync"
)

// KeyedMutex serializes work per key using a fixed set of stripes. Two keys may share a stripe; a key never
// maps to two.
type KeyedMutex struct {
	stripes []sync.Mutex
}

// NewKeyedMutex returns a KeyedMutex with n stripes (at least one).
func NewKeyedMutex(n int) *KeyedMutex {
	if n < 1 {
		n = 1
	}
	return &KeyedMutex{stripes: make([]sync.Mutex, n)}
}

// Lock locks the stripe of key and returns its unlock function.
func (k *KeyedMutex) Lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	m := &k.stripes[h.Sum32()%uint32(len(k.stripes))]
	m.Lock()
	return m.Unlock
}
