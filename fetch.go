package chatsync

import (
	"context"
	"sync"
)

// Region names a cache area that a fetch writes into.
type Region string

// RegionConversations is the conversation list.
const RegionConversations Region = "conversations"

// TimelineRegion names the timeline of one conversation.
func TimelineRegion(conversationID string) Region {
	return Region("timeline:" + conversationID)
}

// FetchToken identifies one in-flight fetch.
type FetchToken struct {
	region Region
	gen    uint64
}

type regionState struct {
	gen    uint64
	cancel context.CancelFunc
}

// FetchTracker cancels in-flight fetches when an optimistic write touches
// their region. A cancelled fetch that still completes cannot commit: Apply
// compares generations under the tracker lock.
type FetchTracker struct {
	mu      sync.Mutex
	regions map[Region]*regionState
}

// NewFetchTracker creates an empty tracker.
func NewFetchTracker() *FetchTracker {
	return &FetchTracker{regions: make(map[Region]*regionState)}
}

func (t *FetchTracker) state(r Region) *regionState {
	st, ok := t.regions[r]
	if !ok {
		st = &regionState{}
		t.regions[r] = st
	}
	return st
}

// Begin starts a fetch for region, superseding any fetch already in flight.
// The returned context is cancelled by the next Begin or Cancel.
func (t *FetchTracker) Begin(ctx context.Context, region Region) (context.Context, FetchToken) {
	fctx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	st := t.state(region)
	if st.cancel != nil {
		st.cancel()
	}
	st.gen++
	st.cancel = cancel
	tok := FetchToken{region: region, gen: st.gen}
	t.mu.Unlock()

	return fctx, tok
}

// Cancel aborts the in-flight fetch of region, if any.
func (t *FetchTracker) Cancel(region Region) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.regions[region]
	if !ok {
		return
	}
	if st.cancel != nil {
		st.cancel()
		st.cancel = nil
	}
	st.gen++
}

// Apply runs commit if tok is still the current fetch of its region, and
// reports whether it ran. The fetch is finished either way.
func (t *FetchTracker) Apply(tok FetchToken, commit func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.regions[tok.region]
	if !ok || st.gen != tok.gen {
		return false
	}
	commit()
	if st.cancel != nil {
		st.cancel()
		st.cancel = nil
	}
	return true
}

// Done releases the fetch's context without committing.
func (t *FetchTracker) Done(tok FetchToken) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.regions[tok.region]; ok && st.gen == tok.gen && st.cancel != nil {
		st.cancel()
		st.cancel = nil
	}
}
