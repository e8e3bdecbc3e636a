package serial

import "sync"

// Binder applies the cancel-or-coalesce rule to work bound to target keys,
// such as display slots that get recycled for a different item.
//
// For every key at most one live (not invalidated) token exists. Binding the
// same request again while it is live is a no-op; binding a different request
// cancels the live token first. A binding is dropped when its token finishes,
// so keys need not come from a bounded set.
//
// The binder never holds its lock while calling into the queue.
type Binder struct {
	queue *Queue

	mu    sync.Mutex
	bound map[string]*Token
}

// NewBinder creates a binder that enqueues its tokens on q
func NewBinder(q *Queue) *Binder {
	return &Binder{
		queue: q,
		bound: make(map[string]*Token),
	}
}

// Bind binds request to key. It returns the live token for key and whether a
// new token was enqueued. Nothing is started; call Queue.TryStart to pump.
func (b *Binder) Bind(key, request string, work WorkFunc) (*Token, bool) {
	b.mu.Lock()
	if old, ok := b.bound[key]; ok && !old.Invalidated() {
		if old.Request() == request {
			b.mu.Unlock()
			return old, false
		}
		old.Cancel()
	}
	tok := NewToken(key, request, work)
	tok.onFinish = b.release
	b.bound[key] = tok
	b.mu.Unlock()

	b.queue.AddNewTask(tok)
	return tok, true
}

// release forgets tok's binding if it is still the bound token
func (b *Binder) release(tok *Token) {
	b.mu.Lock()
	if b.bound[tok.Key()] == tok {
		delete(b.bound, tok.Key())
	}
	b.mu.Unlock()
}

// Len returns the number of bound keys
func (b *Binder) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bound)
}

// Deliver calls apply only if tok is still the live binding for key and
// reports whether it did. apply runs under the binder's lock and must not call
// back into the binder.
func (b *Binder) Deliver(key string, tok *Token, apply func()) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.bound[key] != tok || tok.Invalidated() {
		return false
	}
	apply()
	return true
}

// Bound returns the token currently bound to key
func (b *Binder) Bound(key string) (*Token, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tok, ok := b.bound[key]
	return tok, ok
}

// Unbind cancels and forgets the token bound to key
func (b *Binder) Unbind(key string) {
	b.mu.Lock()
	tok, ok := b.bound[key]
	delete(b.bound, key)
	b.mu.Unlock()

	if ok {
		tok.Cancel()
	}
}

// Reset cancels and forgets every binding
func (b *Binder) Reset() {
	b.mu.Lock()
	bound := b.bound
	b.bound = make(map[string]*Token)
	b.mu.Unlock()

	for _, tok := range bound {
		tok.Cancel()
	}
}
