package cache

import (
	"fmt"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (f *fakeClock) now() time.Time { return f.t }

func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func TestCache_TTL(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	c := New[string](300*time.Second, 10, WithClock[string](clk.now))

	c.Set("k", "v")

	clk.advance(299 * time.Second)
	if v, ok := c.Get("k"); !ok || v != "v" {
		t.Errorf("expected hit before TTL, got ok=%v v=%q", ok, v)
	}

	clk.advance(2 * time.Second)
	if _, ok := c.Get("k"); ok {
		t.Error("expected miss after TTL")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry not removed, len=%d", c.Len())
	}
}

func TestCache_LRUEviction(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	c := New[int](time.Hour, 3, WithClock[int](clk.now))

	for i := 0; i < 3; i++ {
		c.Set(fmt.Sprintf("k%d", i), i)
		clk.advance(time.Second)
	}

	// Touch k0 so k1 becomes least recently accessed.
	if _, ok := c.Get("k0"); !ok {
		t.Fatal("k0 should be present")
	}
	clk.advance(time.Second)

	c.Set("k3", 3)

	if _, ok := c.Get("k1"); ok {
		t.Error("k1 should have been evicted")
	}
	for _, k := range []string{"k0", "k2", "k3"} {
		if _, ok := c.Get(k); !ok {
			t.Errorf("%s should be present", k)
		}
	}
}

func TestCache_OverwriteDoesNotEvict(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	c := New[int](time.Hour, 2, WithClock[int](clk.now))

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("a", 3)

	if c.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", c.Len())
	}
	if v, _ := c.Get("a"); v != 3 {
		t.Errorf("expected overwritten value 3, got %d", v)
	}
	if _, ok := c.Get("b"); !ok {
		t.Error("b should not have been evicted by overwrite")
	}
}

func TestCache_Size(t *testing.T) {
	c := New[string](time.Hour, 10, WithSizer[string](func(s string) int { return len(s) }))

	c.Set("a", "xx")
	c.Set("b", "yyy")

	if got := c.Size(); got != 5 {
		t.Errorf("expected size 5, got %d", got)
	}

	c.Invalidate("a")
	if got := c.Size(); got != 3 {
		t.Errorf("expected size 3 after invalidate, got %d", got)
	}

	c.Purge()
	if c.Len() != 0 {
		t.Errorf("expected empty cache after purge, got %d", c.Len())
	}
}
