package transfer

import "testing"

func TestRegistryStaleHandle(t *testing.T) {
	r := newRegistry()
	a := &request{}
	h := r.insert(a)
	if h == 0 {
		t.Fatal("insert returned the zero handle")
	}
	if r.lookup(h) != a {
		t.Fatal("lookup did not return the inserted request")
	}

	if r.remove(h) != a {
		t.Fatal("remove did not return the request")
	}
	if r.remove(h) != nil {
		t.Fatal("second remove returned a request")
	}

	b := &request{}
	h2 := r.insert(b)
	if h2.slot() != h.slot() {
		t.Fatalf("slot %d was not reused", h.slot())
	}
	if h2 == h {
		t.Fatal("reused slot produced the same handle")
	}
	if r.lookup(h) != nil {
		t.Fatal("stale handle resolved to the new request")
	}
	if r.lookup(h2) != b {
		t.Fatal("new handle did not resolve")
	}
}

func TestRegistryUnknownHandles(t *testing.T) {
	r := newRegistry()
	for _, h := range []Handle{0, 1, makeHandle(5, 1), Handle(1 << 40)} {
		if r.lookup(h) != nil {
			t.Errorf("lookup(%#x) returned a request", uint64(h))
		}
	}
}

func TestRegistryOrder(t *testing.T) {
	r := newRegistry()
	reqs := make([]*request, 5)
	hs := make([]Handle, 5)
	for i := range reqs {
		reqs[i] = &request{rxReceived: int64(i)}
		hs[i] = r.insert(reqs[i])
	}
	r.remove(hs[0])
	r.remove(hs[2])
	r.remove(hs[4])
	r.insert(&request{rxReceived: 9})

	var got []int64
	r.each(func(req *request) bool {
		got = append(got, req.rxReceived)
		return true
	})
	want := []int64{1, 3, 9}
	if len(got) != len(want) {
		t.Fatalf("each visited %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("each visited %v, want %v", got, want)
		}
	}
	if r.len() != 3 || len(r.handles()) != 3 {
		t.Errorf("len = %d, handles = %d, want 3", r.len(), len(r.handles()))
	}
}
