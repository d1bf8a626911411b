package handlers

import "sync"

// awaitingCodes remembers who ran /referral without an argument and owes us
// a code in their next message.
type awaitingCodes struct {
	mu  sync.Mutex
	ids map[int64]struct{}
}

func newAwaitingCodes() *awaitingCodes {
	return &awaitingCodes{ids: make(map[int64]struct{})}
}

func (a *awaitingCodes) add(id int64) {
	a.mu.Lock()
	a.ids[id] = struct{}{}
	a.mu.Unlock()
}

// take reports whether id was waiting and clears it.
func (a *awaitingCodes) take(id int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.ids[id]; !ok {
		return false
	}
	delete(a.ids, id)
	return true
}
