package registry

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/matst80/httpstunnel/internal/proto"
)

func req(id string) proto.TunnelRequest {
	return proto.TunnelRequest{ID: id, HostName: "example.com", Port: 443}
}

func TestPutTakeOnce(t *testing.T) {
	r := New()
	a, b := net.Pipe()
	defer b.Close()
	if err := r.Put(req("one"), a, "s1"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := r.Put(req("one"), a, "s1"); err != ErrDuplicateID {
		t.Errorf("expected duplicate error, got %v", err)
	}
	if e, ok := r.Get("one"); !ok || e.Conn != a {
		t.Fatal("get should return stored conn")
	}
	if e := r.Take("one"); e == nil || e.Request.ID != "one" {
		t.Fatal("take should return entry")
	}
	if e := r.Take("one"); e != nil {
		t.Error("second take must return nil")
	}
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
}

func TestDeleteClosesSocket(t *testing.T) {
	r := New()
	a, b := net.Pipe()
	_ = r.Put(req("x"), a, "")
	if !r.Delete("x") {
		t.Fatal("delete should report existing entry")
	}
	if _, err := b.Read(make([]byte, 1)); err == nil {
		t.Error("peer should see closed pipe")
	}
	if r.Delete("x") {
		t.Error("delete of missing id should be false")
	}
}

func TestConcurrentTakeHandsOutOnce(t *testing.T) {
	r := New()
	const n = 200
	for i := 0; i < n; i++ {
		a, _ := net.Pipe()
		_ = r.Put(req(fmt.Sprint(i)), a, "s")
	}
	var wg sync.WaitGroup
	var mu sync.Mutex
	won := map[string]int{}
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n; i++ {
				if e := r.Take(fmt.Sprint(i)); e != nil {
					mu.Lock()
					won[e.Request.ID]++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	if len(won) != n {
		t.Fatalf("expected %d ids taken, got %d", n, len(won))
	}
	for id, c := range won {
		if c != 1 {
			t.Errorf("id %s taken %d times", id, c)
		}
	}
}

func TestTakeOwnedByAndExpired(t *testing.T) {
	r := New()
	a1, _ := net.Pipe()
	a2, _ := net.Pipe()
	a3, _ := net.Pipe()
	_ = r.Put(req("a"), a1, "old")
	_ = r.Put(req("b"), a2, "new")
	_ = r.Put(req("c"), a3, "old")

	owned := r.TakeOwnedBy("old")
	if len(owned) != 2 {
		t.Fatalf("expected 2 entries for old session, got %d", len(owned))
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 left, got %d", r.Len())
	}
	if got := r.TakeExpired(time.Hour); len(got) != 0 {
		t.Errorf("nothing should be expired yet, got %d", len(got))
	}
	time.Sleep(5 * time.Millisecond)
	if got := r.TakeExpired(time.Millisecond); len(got) != 1 || got[0].Request.ID != "b" {
		t.Errorf("expected b expired, got %+v", got)
	}
	if got := r.TakeAll(); len(got) != 0 {
		t.Errorf("expected empty, got %d", len(got))
	}
}
