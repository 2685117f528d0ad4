package memguard

import (
	"context"
	"runtime"
	"testing"

	logx "jobsched/pkg/logx"
)

func TestCheckFreesAboveThreshold(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		inuse uint64
		freed bool
	}{
		{"below", 100 << 20, false},
		{"at", DefaultThreshold, false},
		{"above", 300 << 20, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := New(0, logx.Nop())
			calls := 0
			g.read = func(ms *runtime.MemStats) { ms.HeapInuse = tt.inuse }
			g.free = func() { calls++ }

			if err := g.Check(context.Background()); err != nil {
				t.Fatalf("Check: %v", err)
			}
			if got := g.Last(); got.Freed != tt.freed || got.HeapInuse != tt.inuse {
				t.Fatalf("Last = %+v, want freed=%v", got, tt.freed)
			}
			if (calls == 1) != tt.freed || int(g.Trips()) != calls {
				t.Fatalf("free calls = %d, trips = %d", calls, g.Trips())
			}
		})
	}
}
