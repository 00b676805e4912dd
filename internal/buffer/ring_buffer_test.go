package buffer

import (
	"reflect"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestNewRingBuffer(t *testing.T) {
	rb := NewRingBuffer[int](100)
	if rb.Cap() != 100 {
		t.Errorf("expected capacity 100, got %d", rb.Cap())
	}
	if rb.Len() != 0 {
		t.Errorf("expected length 0, got %d", rb.Len())
	}

	// Zero and negative capacities default to 1
	if rb := NewRingBuffer[int](0); rb.Cap() != 1 {
		t.Errorf("expected capacity 1 for zero input, got %d", rb.Cap())
	}
	if rb := NewRingBuffer[int](-5); rb.Cap() != 1 {
		t.Errorf("expected capacity 1 for negative input, got %d", rb.Cap())
	}
}

func TestRingBuffer_PushOverflow(t *testing.T) {
	rb := NewRingBuffer[string](3)
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		rb.Push(s)
	}

	got := rb.ReadAll()
	if !reflect.DeepEqual(got, []string{"c", "d", "e"}) {
		t.Errorf("expected [c d e], got %v", got)
	}
	if rb.Len() != 3 {
		t.Errorf("expected length 3, got %d", rb.Len())
	}
}

func TestRingBuffer_ReadAllReturnsCopy(t *testing.T) {
	rb := NewRingBuffer[string](4)

	if got := rb.ReadAll(); len(got) != 0 {
		t.Errorf("expected empty result, got %v", got)
	}

	rb.Push("test")
	data := rb.ReadAll()
	data[0] = "changed"
	if got := rb.ReadAll(); got[0] != "test" {
		t.Errorf("ReadAll should return a copy, got %v", got)
	}
}

func TestRingBuffer_Clear(t *testing.T) {
	rb := NewRingBuffer[int](2)
	rb.Push(1)
	rb.Push(2)
	rb.Push(3)

	rb.Clear()
	if rb.Len() != 0 {
		t.Errorf("expected length 0 after clear, got %d", rb.Len())
	}

	rb.Push(4)
	if got := rb.ReadAll(); !reflect.DeepEqual(got, []int{4}) {
		t.Errorf("expected [4], got %v", got)
	}
}

func TestRingBuffer_ConcurrentPush(t *testing.T) {
	rb := NewRingBuffer[int](50)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				rb.Push(i)
				rb.ReadAll()
			}
		}()
	}
	wg.Wait()

	if rb.Len() != 50 {
		t.Errorf("expected length 50, got %d", rb.Len())
	}
}

// Property: the ring always holds the last min(n, capacity) pushed items in
// push order.
func TestRingBufferKeepsTailProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("ring keeps the newest items", prop.ForAll(
		func(items []int, capacity int) bool {
			rb := NewRingBuffer[int](capacity)
			for _, it := range items {
				rb.Push(it)
			}
			want := items
			if len(want) > capacity {
				want = want[len(want)-capacity:]
			}
			got := rb.ReadAll()
			if len(got) != len(want) {
				return false
			}
			for i := range want {
				if got[i] != want[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int()),
		gen.IntRange(1, 32),
	))

	properties.TestingRun(t)
}
