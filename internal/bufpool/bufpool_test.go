package bufpool

import (
	"sync"
	"testing"

	"github.com/c2h5oh/datasize"
)

func TestPoolMinimumSize(t *testing.T) {
	p := New(datasize.KB)
	if p.Size() != int(16*datasize.MB) {
		t.Errorf("Size() = %d, want 16 MiB", p.Size())
	}
	b := p.Get(10)
	if len(b) != 0 || cap(b) < p.Size() {
		t.Errorf("Get(10) len=%d cap=%d", len(b), cap(b))
	}
	p.Put(b)
}

func TestPoolLargeRequest(t *testing.T) {
	p := New(16 * datasize.MB)
	want := p.Size() + 1
	b := p.Get(want)
	if cap(b) < want {
		t.Errorf("cap = %d, want >= %d", cap(b), want)
	}
	p.Put(b)
	if b2 := p.Get(1); cap(b2) < p.Size() {
		t.Errorf("cap = %d, want >= %d", cap(b2), p.Size())
	}
}

func TestPoolConcurrent(t *testing.T) {
	p := New(16 * datasize.MB)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				b := p.Get(1024)
				b = append(b, byte(j))
				p.Put(b)
			}
		}()
	}
	wg.Wait()
}
