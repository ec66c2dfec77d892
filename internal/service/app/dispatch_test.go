package app

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDispatcherKeepsPeerOrder(t *testing.T) {
	d := newDispatcher()

	var mu sync.Mutex
	got := make(map[string][]int)
	for i := 0; i < 100; i++ {
		for _, peer := range []string{"alice", "bob", "carol"} {
			peer, i := peer, i
			d.Submit(peer, func() {
				if i%7 == 0 {
					time.Sleep(time.Millisecond)
				}
				mu.Lock()
				got[peer] = append(got[peer], i)
				mu.Unlock()
			})
		}
	}
	d.Close()

	for _, peer := range []string{"alice", "bob", "carol"} {
		want := make([]int, 100)
		for i := range want {
			want[i] = i
		}
		assert.Equal(t, want, got[peer], fmt.Sprintf("order for %s", peer))
	}
}

func TestDispatcherRejectsAfterClose(t *testing.T) {
	d := newDispatcher()
	d.Close()
	assert.False(t, d.Submit("alice", func() {}))
}
