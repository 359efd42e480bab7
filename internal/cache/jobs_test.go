package cache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobCacheAdmission(t *testing.T) {
	c := New(2, []string{"DicomModalityStore"})

	assert.True(t, c.Accepts("DicomModalityStore"))
	assert.False(t, c.Accepts("ResourceModification"))
	assert.False(t, c.Full())

	c.Insert(Job{ID: "a", Type: "DicomModalityStore"})
	c.Insert(Job{ID: "a", Type: "DicomModalityStore"}) // replace, not grow
	assert.Equal(t, 1, c.Size())

	c.Insert(Job{ID: "b", Type: "DicomModalityStore"})
	assert.True(t, c.Full())

	c.Delete("a")
	c.Delete("missing")
	assert.False(t, c.Full())
	assert.Equal(t, 1, c.Size())
	assert.Len(t, c.Jobs(), 1)
}

func TestJobCacheConcurrentUse(t *testing.T) {
	c := New(1000, []string{"DicomModalityStore"})

	done := make(chan struct{})
	for w := 0; w < 4; w++ {
		go func(w int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 100; i++ {
				id := fmt.Sprintf("job-%d-%d", w, i)
				c.Insert(Job{ID: id})
				c.Delete(id)
			}
		}(w)
	}
	for w := 0; w < 4; w++ {
		<-done
	}
	assert.Zero(t, c.Size())
}
