package presence

import (
	"reflect"
	"sync"
	"testing"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/protocol"
)

type fakeConn struct{ id string }

func (c *fakeConn) ID() string           { return c.id }
func (c *fakeConn) Send(_ []byte) error { return nil }

func TestJoin_EvictsPreviousHolderWithoutForgettingIt(t *testing.T) {
	r := New()
	c1 := &fakeConn{id: "c1"}
	c2 := &fakeConn{id: "c2"}
	r.Attach(c1)
	r.Attach(c2)

	if ev := r.Join(c1, "alice"); ev != nil {
		t.Fatalf("first join evicted %v", ev.ID())
	}
	ev := r.Join(c2, "alice")
	if ev == nil || ev.ID() != "c1" {
		t.Fatalf("evicted=%v, want c1", ev)
	}

	got, ok := r.Resolve("alice")
	if !ok || got.ID() != "c2" {
		t.Fatalf("Resolve(alice)=%v,%v, want c2", got, ok)
	}
	if _, ok := r.Username(c1); ok {
		t.Fatalf("evicted connection still has a username")
	}
	if n := r.ConnCount(); n != 2 {
		t.Fatalf("ConnCount=%d, want 2 (evicted connection stays attached)", n)
	}
}

func TestJoin_RebindingConnectionReleasesOldName(t *testing.T) {
	r := New()
	c := &fakeConn{id: "c"}
	r.Join(c, "alice")
	r.Join(c, "bob")

	if _, ok := r.Resolve("alice"); ok {
		t.Fatalf("alice still resolves after rebinding")
	}
	if u, _ := r.Username(c); u != "bob" {
		t.Fatalf("username=%q, want bob", u)
	}
	if !r.IsRegistered("alice") || !r.IsRegistered("bob") {
		t.Fatalf("both names should stay registered")
	}
}

func TestLeaveAndDetach_KeepRegistration(t *testing.T) {
	r := New()
	c := &fakeConn{id: "c"}
	r.Attach(c)
	r.Join(c, "alice")

	u, ok := r.Leave(c)
	if !ok || u != "alice" {
		t.Fatalf("Leave=%q,%v, want alice,true", u, ok)
	}
	if _, ok := r.Resolve("alice"); ok {
		t.Fatalf("alice still online after leave")
	}
	if !r.IsRegistered("alice") {
		t.Fatalf("alice not registered after leave")
	}
	if r.ConnCount() != 1 {
		t.Fatalf("leave should not detach the connection")
	}

	if _, ok := r.Detach(c); ok {
		t.Fatalf("Detach after Leave reported a live username")
	}
	if r.ConnCount() != 0 {
		t.Fatalf("ConnCount=%d after detach", r.ConnCount())
	}
}

func TestDetach_EvictedConnectionDoesNotUnbindNewHolder(t *testing.T) {
	r := New()
	old := &fakeConn{id: "old"}
	cur := &fakeConn{id: "cur"}
	r.Join(old, "alice")
	r.Join(cur, "alice")

	if _, ok := r.Detach(old); ok {
		t.Fatalf("detaching evicted connection reported a live username")
	}
	if got, ok := r.Resolve("alice"); !ok || got.ID() != "cur" {
		t.Fatalf("alice should still resolve to cur")
	}
}

func TestSnapshot(t *testing.T) {
	r := New()
	a := &fakeConn{id: "a"}
	b := &fakeConn{id: "b"}
	r.Join(a, "carol")
	r.Join(b, "alice")
	r.Detach(b)

	want := []protocol.UserStatus{
		{Username: "alice", IsOnline: false},
		{Username: "carol", IsOnline: true},
	}
	if got := r.Snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Snapshot=%+v, want %+v", got, want)
	}
	if got := r.Online(); !reflect.DeepEqual(got, []string{"carol"}) {
		t.Fatalf("Online=%v, want [carol]", got)
	}
}

func TestJoin_ConcurrentSingleHolder(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		c := &fakeConn{id: string(rune('A' + i))}
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Join(c, "shared")
		}()
	}
	wg.Wait()

	holder, ok := r.Resolve("shared")
	if !ok {
		t.Fatalf("shared not resolvable")
	}
	bound := 0
	for _, c := range r.Connections() {
		if u, ok := r.Username(c); ok {
			if u != "shared" {
				t.Fatalf("unexpected username %q", u)
			}
			bound++
			if c.ID() != holder.ID() {
				t.Fatalf("connection %q bound but not the holder %q", c.ID(), holder.ID())
			}
		}
	}
	if bound != 1 {
		t.Fatalf("bound=%d, want 1", bound)
	}
}
