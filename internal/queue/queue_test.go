package queue

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/flicker/internal/media"
	"github.com/zsiec/flicker/internal/shutdown"
)

func pkt(n int) *media.Packet {
	return &media.Packet{Data: make([]byte, n), PTS: media.NoPTS, DTS: media.NoPTS}
}

func TestFIFOOrderAndGrowth(t *testing.T) {
	t.Parallel()

	q := New(0, nil)
	const n = minSlots*3 + 7
	for i := range n {
		p := pkt(i % 13)
		p.Stream = i
		q.Push(p)
		if i%5 == 0 {
			// interleave pops so head is not at slot zero when the ring grows
			if _, err := q.Pop(false); err != nil {
				t.Fatalf("pop %d: %v", i, err)
			}
		}
	}

	prev := -1
	for {
		p, err := q.Pop(false)
		if errors.Is(err, media.ErrEmpty) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if p.Stream <= prev {
			t.Fatalf("out of order: got %d after %d", p.Stream, prev)
		}
		prev = p.Stream
	}
	if q.Size() != 0 || q.Len() != 0 {
		t.Errorf("drained queue reports size=%d len=%d", q.Size(), q.Len())
	}
}

func TestSizeMatchesQueuedBytes(t *testing.T) {
	t.Parallel()

	q := New(0, nil)
	var want int64
	sizes := []int{100, 0, 188, 4096, 1}
	for _, s := range sizes {
		q.Push(pkt(s))
		want += int64(s)
		if got := q.Size(); got != want {
			t.Fatalf("after push: got %d, want %d", got, want)
		}
	}
	for _, s := range sizes {
		if _, err := q.Pop(false); err != nil {
			t.Fatal(err)
		}
		want -= int64(s)
		if got := q.Size(); got != want {
			t.Fatalf("after pop: got %d, want %d", got, want)
		}
	}
}

func TestSizeInvariantConcurrent(t *testing.T) {
	t.Parallel()

	c := shutdown.New()
	q := New(0, c.Done())
	const n = 5000

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range n {
			q.Push(pkt(i%97 + 1))
		}
		q.Finish()
	}()

	var popped int64
	go func() {
		defer wg.Done()
		for {
			p, err := q.Pop(true)
			if errors.Is(err, media.ErrEndOfStream) {
				return
			}
			if err != nil {
				t.Error(err)
				return
			}
			popped += p.Size()
			if q.Size() < 0 {
				t.Error("negative size")
				return
			}
		}
	}()
	wg.Wait()

	var pushed int64
	for i := range n {
		pushed += int64(i%97 + 1)
	}
	if popped != pushed {
		t.Errorf("got %d bytes popped, want %d", popped, pushed)
	}
	if q.Size() != 0 {
		t.Errorf("got size %d after drain, want 0", q.Size())
	}
}

func TestPopBlocksUntilPush(t *testing.T) {
	t.Parallel()

	q := New(0, shutdown.New().Done())
	result := make(chan *media.Packet, 1)
	go func() {
		p, err := q.Pop(true)
		if err != nil {
			t.Error(err)
		}
		result <- p
	}()

	select {
	case <-result:
		t.Fatal("pop returned before any push")
	case <-time.After(20 * time.Millisecond):
	}

	want := pkt(42)
	q.Push(want)
	select {
	case got := <-result:
		if got != want {
			t.Error("got a different packet than was pushed")
		}
	case <-time.After(time.Second):
		t.Fatal("pop not woken by push")
	}
}

func TestPopNonBlockingEmpty(t *testing.T) {
	t.Parallel()

	q := New(0, nil)
	if _, err := q.Pop(false); !errors.Is(err, media.ErrEmpty) {
		t.Errorf("got %v, want ErrEmpty", err)
	}
}

func TestPopCancelled(t *testing.T) {
	t.Parallel()

	c := shutdown.New()
	q := New(0, c.Done())

	errc := make(chan error, 1)
	go func() {
		_, err := q.Pop(true)
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	c.Cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, media.ErrCancelled) {
			t.Errorf("got %v, want ErrCancelled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked pop not released by cancellation")
	}

	start := time.Now()
	if _, err := q.Pop(true); !errors.Is(err, media.ErrCancelled) {
		t.Errorf("got %v, want ErrCancelled", err)
	}
	if d := time.Since(start); d > 100*time.Millisecond {
		t.Errorf("pop on cancelled queue took %v", d)
	}
}

func TestPopTimeout(t *testing.T) {
	t.Parallel()

	q := New(0, shutdown.New().Done())
	start := time.Now()
	_, err := q.PopTimeout(15 * time.Millisecond)
	if !errors.Is(err, media.ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	if d := time.Since(start); d < 15*time.Millisecond {
		t.Errorf("returned after %v, before the timeout", d)
	}

	q.Push(pkt(1))
	if _, err := q.PopTimeout(time.Second); err != nil {
		t.Errorf("got %v with a queued packet", err)
	}
}

func TestFinishDrainsThenEndOfStream(t *testing.T) {
	t.Parallel()

	q := New(0, shutdown.New().Done())
	q.Push(pkt(10))
	q.Finish()

	if _, err := q.Pop(true); err != nil {
		t.Fatalf("queued packet lost after Finish: %v", err)
	}
	if _, err := q.Pop(true); !errors.Is(err, media.ErrEndOfStream) {
		t.Errorf("got %v, want ErrEndOfStream", err)
	}
	if _, err := q.Pop(false); !errors.Is(err, media.ErrEndOfStream) {
		t.Errorf("non-blocking: got %v, want ErrEndOfStream", err)
	}
}

func TestFinishWakesBlockedPop(t *testing.T) {
	t.Parallel()

	q := New(0, shutdown.New().Done())
	errc := make(chan error, 1)
	go func() {
		_, err := q.Pop(true)
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Finish()

	select {
	case err := <-errc:
		if !errors.Is(err, media.ErrEndOfStream) {
			t.Errorf("got %v, want ErrEndOfStream", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Finish did not wake the consumer")
	}
}

func TestFullAndSpaceFreed(t *testing.T) {
	t.Parallel()

	q := New(100, nil)
	q.Push(pkt(60))
	if q.Full() {
		t.Error("full below watermark")
	}
	q.Push(pkt(40))
	if !q.Full() {
		t.Error("not full at watermark")
	}

	if _, err := q.Pop(false); err != nil {
		t.Fatal(err)
	}
	select {
	case <-q.SpaceFreed():
	default:
		t.Error("pop did not signal SpaceFreed")
	}
	if q.Full() {
		t.Error("still full after pop")
	}

	st := q.Stats()
	if st.Pushed != 2 || st.Popped != 1 || st.Bytes != 40 || st.Packets != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}
