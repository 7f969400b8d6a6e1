package cache

import (
	"testing"
	"time"

	"github.com/ispyisail/clubprint-engine/internal/clock"
)

func TestCacheGetMissOnEmpty(t *testing.T) {
	c := New(10, clock.NewFake(time.Now()))
	if _, _, ok := c.Get("k", false); ok {
		t.Fatal("Get on empty cache returned ok=true")
	}
}

func TestCacheFreshThenStaleThenExpired(t *testing.T) {
	clk := clock.NewFake(time.Now())
	c := New(10, clk)
	c.Set("k", "v", time.Minute, 10*time.Minute)

	if v, fr, ok := c.Get("k", false); !ok || fr != Fresh || v != "v" {
		t.Fatalf("Get fresh = %v,%v,%v", v, fr, ok)
	}

	clk.Step(2 * time.Minute)
	if _, _, ok := c.Get("k", false); ok {
		t.Fatal("stale entry returned ok=true with acceptStale=false")
	}
	if v, fr, ok := c.Get("k", true); !ok || fr != Stale || v != "v" {
		t.Fatalf("Get stale with acceptStale = %v,%v,%v", v, fr, ok)
	}

	clk.Step(20 * time.Minute)
	if _, _, ok := c.Get("k", true); ok {
		t.Fatal("expired entry returned ok=true even with acceptStale")
	}
}

func TestCacheFIFOEvictionOnCapacity(t *testing.T) {
	clk := clock.NewFake(time.Now())
	c := New(2, clk)

	c.Set("a", 1, time.Hour, time.Hour)
	clk.Step(time.Second)
	c.Set("b", 2, time.Hour, time.Hour)
	clk.Step(time.Second)
	c.Set("c", 3, time.Hour, time.Hour)

	if _, _, ok := c.Get("a", false); ok {
		t.Fatal("oldest entry 'a' survived eviction")
	}
	if _, _, ok := c.Get("b", false); !ok {
		t.Fatal("entry 'b' was evicted, want it kept")
	}
	if _, _, ok := c.Get("c", false); !ok {
		t.Fatal("entry 'c' was evicted, want it kept")
	}
	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", c.Len())
	}
}

func TestCacheSetOverwritesAndResetsPosition(t *testing.T) {
	clk := clock.NewFake(time.Now())
	c := New(10, clk)

	c.Set("k", "v1", time.Hour, time.Hour)
	c.Set("k", "v2", time.Hour, time.Hour)

	v, _, ok := c.Get("k", false)
	if !ok || v != "v2" {
		t.Fatalf("Get = %v,%v, want v2,true", v, ok)
	}
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}
}

func TestCacheDelete(t *testing.T) {
	clk := clock.NewFake(time.Now())
	c := New(10, clk)
	c.Set("k", "v", time.Hour, time.Hour)
	c.Delete("k")
	if _, _, ok := c.Get("k", false); ok {
		t.Fatal("Get after Delete returned ok=true")
	}
}

func TestCacheSweepDropsExpiredWithoutAccess(t *testing.T) {
	clk := clock.NewFake(time.Now())
	c := New(10, clk)
	c.Set("k", "v", time.Second, time.Second)

	clk.Step(10 * time.Second)
	c.sweep()

	if c.Len() != 0 {
		t.Fatalf("Len() after sweep = %d, want 0", c.Len())
	}
}
