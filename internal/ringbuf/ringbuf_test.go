package ringbuf

import (
	"testing"

	"flowscanner/internal/model"
)

func bar(ts int64) model.Candle {
	return model.Candle{Symbol: "BTCUSDT", OpenTimeMs: ts, Close: float64(ts)}
}

func TestRing_PushAndView(t *testing.T) {
	r := New(4)
	for i := int64(1); i <= 3; i++ {
		r.Push(bar(i))
	}
	if r.Len() != 3 {
		t.Fatalf("expected len=3, got %d", r.Len())
	}
	v := r.View()
	for i, c := range v {
		if c.OpenTimeMs != int64(i+1) {
			t.Errorf("view[%d] = %d, want %d", i, c.OpenTimeMs, i+1)
		}
	}
}

func TestRing_EvictsOldestFirst(t *testing.T) {
	r := New(3)
	for i := int64(1); i <= 10; i++ {
		r.Push(bar(i))
		if r.Len() > r.Cap() {
			t.Fatalf("len %d exceeds cap %d", r.Len(), r.Cap())
		}
	}
	v := r.View()
	if len(v) != 3 || v[0].OpenTimeMs != 8 || v[2].OpenTimeMs != 10 {
		t.Fatalf("unexpected window: %+v", v)
	}
	if r.Evicted() != 7 {
		t.Errorf("expected 7 evictions, got %d", r.Evicted())
	}
}

func TestRing_ViewWritesPersist(t *testing.T) {
	r := New(2)
	r.Push(bar(1))
	r.View()[0].VWAP = model.F(42)
	if got := model.Val(r.Last().VWAP, 0); got != 42 {
		t.Errorf("vwap = %v, want 42", got)
	}
}

func TestRing_Reset(t *testing.T) {
	r := New(3)
	r.Push(bar(99))
	r.Reset([]model.Candle{bar(1), bar(2), bar(3), bar(4), bar(5)})
	v := r.View()
	if len(v) != 3 || v[0].OpenTimeMs != 3 {
		t.Fatalf("reset kept wrong window: %+v", v)
	}
	r.Push(bar(6))
	if r.Last().OpenTimeMs != 6 || r.View()[0].OpenTimeMs != 4 {
		t.Fatalf("push after reset: %+v", r.View())
	}
}

func TestRing_IndexOf(t *testing.T) {
	r := New(8)
	for _, ts := range []int64{60, 120, 180, 240} {
		r.Push(bar(ts))
	}
	if i := r.IndexOf(180); i != 2 {
		t.Errorf("IndexOf(180) = %d, want 2", i)
	}
	if i := r.IndexOf(200); i != -1 {
		t.Errorf("IndexOf(200) = %d, want -1", i)
	}
	if r.Last().OpenTimeMs != 240 {
		t.Errorf("last = %d", r.Last().OpenTimeMs)
	}
}

func BenchmarkRing_Push(b *testing.B) {
	r := New(1000)
	c := bar(1)
	for i := 0; i < b.N; i++ {
		r.Push(c)
	}
}

func TestRing_Before(t *testing.T) {
	r := New(2)
	r.Push(bar(1))
	r.Push(bar(2))
	if r.Before() != nil {
		t.Fatalf("before set with no eviction: %+v", r.Before())
	}
	r.Push(bar(3))
	if b := r.Before(); b == nil || b.OpenTimeMs != 1 {
		t.Fatalf("before after first eviction = %+v, want bar 1", b)
	}
	r.Push(bar(4))
	if b := r.Before(); b == nil || b.OpenTimeMs != 2 {
		t.Fatalf("before after second eviction = %+v, want bar 2", b)
	}
	r.Reset([]model.Candle{bar(10)})
	if r.Before() != nil {
		t.Errorf("reset kept before: %+v", r.Before())
	}
}
