package chatsync

import "sync"

// ApplyResult reports what ApplyIfAbsent did with an inbound message.
type ApplyResult int

const (
	// Applied: the message was appended to the timeline.
	Applied ApplyResult = iota
	// Duplicate: a message with the same server identifier is already present.
	Duplicate
	// Claimed: the message is the echo of a local pending send, which was
	// swapped in place for it.
	Claimed
	// Skipped: the conversation has no loaded timeline and creation was not allowed.
	Skipped
)

func (r ApplyResult) String() string {
	switch r {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Claimed:
		return "claimed"
	default:
		return "skipped"
	}
}

// ============================================================================
// Reconciler
// ============================================================================

// Reconciler swaps local identifiers for server identifiers and drops
// redelivered feed events. It is the only writer that may introduce a server
// identifier into the timeline, which keeps at most one visible copy of every
// logical message.
type Reconciler struct {
	timeline *TimelineCache

	mu      sync.Mutex
	aliases map[string]string // local id -> server id
}

// NewReconciler creates a reconciler over timeline.
func NewReconciler(timeline *TimelineCache) *Reconciler {
	return &Reconciler{timeline: timeline, aliases: make(map[string]string)}
}

// Resolve maps a reconciled local identifier to its server identifier.
// Any other identifier is returned unchanged.
func (r *Reconciler) Resolve(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sid, ok := r.aliases[id]; ok {
		return sid
	}
	return id
}

// Reconcile replaces the pending entry localID with the authoritative server
// message, at the same position.
func (r *Reconciler) Reconcile(conversationID, localID string, server Message) {
	r.mu.Lock()
	var q changeQueue
	server = confirmed(server, localID)
	r.aliases[localID] = server.ID

	local, localPresent := r.timeline.Get(conversationID, localID)
	existing, serverPresent := r.timeline.Get(conversationID, server.ID)

	switch {
	case localPresent && serverPresent:
		// The echo was applied as a separate row; the local slot keeps its
		// position and the echo row goes away.
		q.add(r.timeline.remove(conversationID, server.ID))
		q.add(r.timeline.replace(conversationID, localID, merge(local, server)))
	case localPresent:
		q.add(r.timeline.replace(conversationID, localID, merge(local, server)))
	case serverPresent:
		q.add(r.timeline.replace(conversationID, server.ID, merge(existing, server)))
	default:
		q.add(r.timeline.insert(conversationID, server, PositionTail))
	}
	r.mu.Unlock()

	r.timeline.notify(q...)
}

// ApplyIfAbsent applies a server-identified message coming from the feed.
// Redeliveries are dropped; the echo of a local pending send claims that
// pending entry; anything else is appended. allowCreate controls whether a
// timeline may be created for a conversation with nothing loaded.
func (r *Reconciler) ApplyIfAbsent(conversationID string, msg Message, allowCreate bool) ApplyResult {
	r.mu.Lock()
	var q changeQueue
	res := r.applyIfAbsent(conversationID, msg, allowCreate, &q)
	r.mu.Unlock()

	r.timeline.notify(q...)
	return res
}

func (r *Reconciler) applyIfAbsent(conversationID string, msg Message, allowCreate bool, q *changeQueue) ApplyResult {
	if _, ok := r.timeline.Get(conversationID, msg.ID); ok {
		return Duplicate
	}
	if !r.timeline.Has(conversationID) {
		if !allowCreate {
			return Skipped
		}
		r.timeline.Ensure(conversationID)
	}
	if local, ok := r.claimable(conversationID, msg); ok {
		r.aliases[local.ID] = msg.ID
		q.add(r.timeline.replace(conversationID, local.ID, merge(local, confirmed(msg, local.ID))))
		return Claimed
	}
	msg.State = DeliverySent
	q.add(r.timeline.insert(conversationID, msg, PositionTail))
	return Applied
}

// ApplyUpdate overwrites a present message with a newer server version
// (last write wins). Messages that are not loaded are left alone so an update
// never materializes a row out of order.
func (r *Reconciler) ApplyUpdate(conversationID string, msg Message) bool {
	r.mu.Lock()
	var q changeQueue
	existing, ok := r.timeline.Get(conversationID, msg.ID)
	if ok {
		ok = q.add(r.timeline.replace(conversationID, msg.ID, merge(existing, msg)))
	}
	r.mu.Unlock()

	r.timeline.notify(q...)
	return ok
}

// changeQueue holds timeline notifications back until the reconciler has
// released its lock, so observers may issue commands.
type changeQueue []TimelineChange

func (q *changeQueue) add(ch TimelineChange, ok bool) bool {
	if ok {
		*q = append(*q, ch)
	}
	return ok
}

func (r *Reconciler) claimable(conversationID string, msg Message) (Message, bool) {
	for _, p := range r.timeline.Pending(conversationID) {
		if msg.ClientID != "" {
			if p.ID == msg.ClientID || p.ClientID == msg.ClientID {
				return p, true
			}
			continue
		}
		if p.SenderID == msg.SenderID && p.Content == msg.Content {
			return p, true
		}
	}
	return Message{}, false
}

func confirmed(m Message, localID string) Message {
	m.State = DeliverySent
	if m.ClientID == "" {
		m.ClientID = localID
	}
	return m
}

// merge returns incoming with display fields it lacks taken from existing.
func merge(existing, incoming Message) Message {
	out := incoming.Clone()
	if out.Sender == nil && existing.Sender != nil {
		s := *existing.Sender
		out.Sender = &s
	}
	if out.ClientID == "" {
		out.ClientID = existing.ClientID
	}
	if out.ConversationID == "" {
		out.ConversationID = existing.ConversationID
	}
	if out.State == "" {
		out.State = DeliverySent
	}
	return out
}
