package cache

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSetGetDelete(t *testing.T) {
	c := NewSharded[int]()
	c.Set("a", 1)
	c.Set("b", 2)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, c.Len())
	assert.ElementsMatch(t, []string{"a", "b"}, c.Keys())

	c.Delete("a")
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestUpdateIsSerializedPerKey(t *testing.T) {
	c := NewSharded[int]()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Update("n", func(cur int, _ bool) int { return cur + 1 })
		}()
	}
	wg.Wait()
	v, _ := c.Get("n")
	assert.Equal(t, 100, v)
}

func TestCleanupByAge(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewSharded[string]()
	c.now = func() time.Time { return now }
	for i := 0; i < 5; i++ {
		c.Set(strconv.Itoa(i), "old")
	}
	now = now.Add(time.Minute)
	c.Set("fresh", "new")

	assert.Equal(t, 5, c.Cleanup(30*time.Second))
	assert.Equal(t, 1, c.Len())
	_, age, ok := c.GetWithAge("fresh")
	assert.True(t, ok)
	assert.Equal(t, time.Duration(0), age)
	assert.Equal(t, 1, c.Stats().TotalItems)
}
