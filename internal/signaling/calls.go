package signaling

// callTable tracks established calls by username so the relay can answer
// offers to a busy user itself. It is guarded by Server.routeMu.
type callTable struct {
	peers map[string]string
}

func newCallTable() *callTable {
	return &callTable{peers: make(map[string]string)}
}

func (t *callTable) peer(username string) (string, bool) {
	p, ok := t.peers[username]
	return p, ok
}

// start records a call between a and b, ending any call either was in.
func (t *callTable) start(a, b string) {
	if a == "" || b == "" || a == b {
		return
	}
	t.end(a)
	t.end(b)
	t.peers[a] = b
	t.peers[b] = a
}

// endPair ends the call between a and b, if that is the call a is in.
func (t *callTable) endPair(a, b string) {
	if t.peers[a] == b {
		t.end(a)
	}
}

func (t *callTable) end(username string) {
	p, ok := t.peers[username]
	if !ok {
		return
	}
	delete(t.peers, username)
	if t.peers[p] == username {
		delete(t.peers, p)
	}
}

// busy reports whether an offer from caller to callee must be refused because
// callee is already talking to someone else.
func (t *callTable) busy(callee, caller string) bool {
	p, ok := t.peers[callee]
	return ok && p != caller
}

func (t *callTable) len() int {
	return len(t.peers) / 2
}
