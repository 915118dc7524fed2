package kvstore

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKVStore(t *testing.T) {
	s := New[string, int]()

	_, ok := s.Get("a")
	assert.False(t, ok)

	s.Set("a", 1)
	v, ok := s.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	s.Set("a", 2)
	v, _ = s.Get("a")
	assert.Equal(t, 2, v)
}

func TestKVStoreConcurrentAccess(t *testing.T) {
	s := New[string, int]()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Set(strconv.Itoa(i), i)
		}()
		go func() {
			defer wg.Done()
			_, _ = s.Get(strconv.Itoa(i))
		}()
	}
	wg.Wait()

	for i := range 50 {
		v, ok := s.Get(strconv.Itoa(i))
		assert.True(t, ok)
		assert.Equal(t, i, v)
	}
}
