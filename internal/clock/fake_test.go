package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeTicker_FiresPerInterval(t *testing.T) {
	c := Fake(epoch)
	tk := c.NewTicker(time.Second)
	defer tk.Stop()

	c.Advance(999 * time.Millisecond)
	select {
	case <-tk.C:
		t.Fatal("ticker fired early")
	default:
	}

	c.Advance(time.Millisecond)
	select {
	case at := <-tk.C:
		if !at.Equal(epoch.Add(time.Second)) {
			t.Errorf("tick at %v, want %v", at, epoch.Add(time.Second))
		}
	default:
		t.Fatal("ticker did not fire")
	}
}

func TestFakeTicker_DropsWhenFull(t *testing.T) {
	c := Fake(epoch)
	tk := c.NewTicker(time.Second)
	defer tk.Stop()

	c.Advance(5 * time.Second)

	n := 0
	for {
		select {
		case <-tk.C:
			n++
			continue
		default:
		}
		break
	}
	if n != 1 {
		t.Errorf("buffered ticks = %d, want 1", n)
	}
}

func TestFakeTicker_StopPreventsTicks(t *testing.T) {
	c := Fake(epoch)
	tk := c.NewTicker(time.Second)
	tk.Stop()

	c.Advance(3 * time.Second)
	select {
	case <-tk.C:
		t.Fatal("stopped ticker fired")
	default:
	}
	if c.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0", c.PendingCount())
	}
}

func TestFakeAfter(t *testing.T) {
	c := Fake(epoch)
	ch := c.After(2 * time.Second)

	done := make(chan struct{})
	go func() {
		<-ch
		close(done)
	}()

	c.WaitForTimers(1)
	c.Advance(2 * time.Second)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("After did not fire")
	}
	if !c.Now().Equal(epoch.Add(2 * time.Second)) {
		t.Errorf("Now = %v", c.Now())
	}
}
