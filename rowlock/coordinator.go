package rowlock

import "github.com/google/uuid"

type opKind uint8

const (
	opAcquire opKind = iota
	opTryAcquire
	opRelease
	opCancelWait
)

type reply struct{ err error }

type command[K comparable] struct {
	kind  opKind
	id    K
	owner uuid.UUID
	reply chan reply
}

// holderState tracks the current owner of an id and its reentry depth.
type holderState struct {
	owner uuid.UUID
	count int
}

// waiter is a queued caller awaiting promotion to holder for an id.
type waiter struct {
	owner uuid.UUID
	reply chan reply
}

// coordinator is a single-threaded authority over one partition of the id
// space: it owns holders and waiters outright and is the only goroutine
// that ever reads or writes them. All other goroutines interact with it
// exclusively through cmds.
type coordinator[K comparable] struct {
	cmds    chan command[K]
	holders map[K]*holderState
	waiters map[K][]*waiter
}

func newCoordinator[K comparable]() *coordinator[K] {
	return &coordinator[K]{
		cmds:    make(chan command[K], 64),
		holders: make(map[K]*holderState),
		waiters: make(map[K][]*waiter),
	}
}

func (c *coordinator[K]) run() {
	for cmd := range c.cmds {
		switch cmd.kind {
		case opAcquire:
			c.handleAcquire(cmd)
		case opTryAcquire:
			c.handleTryAcquire(cmd)
		case opRelease:
			c.handleRelease(cmd)
		case opCancelWait:
			c.handleCancelWait(cmd)
		}
	}
	// Coordinator is shutting down: fail every still-queued waiter so no
	// caller blocks forever.
	for _, ws := range c.waiters {
		for _, w := range ws {
			w.reply <- reply{err: ErrLockTimeout}
		}
	}
}

func (c *coordinator[K]) handleAcquire(cmd command[K]) {
	h, held := c.holders[cmd.id]
	if !held {
		c.holders[cmd.id] = &holderState{owner: cmd.owner, count: 1}
		cmd.reply <- reply{}
		return
	}
	if h.owner == cmd.owner {
		h.count++
		cmd.reply <- reply{}
		return
	}
	c.waiters[cmd.id] = append(c.waiters[cmd.id], &waiter{owner: cmd.owner, reply: cmd.reply})
}

func (c *coordinator[K]) handleTryAcquire(cmd command[K]) {
	h, held := c.holders[cmd.id]
	if !held {
		c.holders[cmd.id] = &holderState{owner: cmd.owner, count: 1}
		cmd.reply <- reply{}
		return
	}
	if h.owner == cmd.owner {
		h.count++
		cmd.reply <- reply{}
		return
	}
	cmd.reply <- reply{err: ErrLocked}
}

func (c *coordinator[K]) handleRelease(cmd command[K]) {
	h, held := c.holders[cmd.id]
	if !held || h.owner != cmd.owner {
		cmd.reply <- reply{err: errNotHolder}
		return
	}
	h.count--
	if h.count > 0 {
		cmd.reply <- reply{}
		return
	}
	delete(c.holders, cmd.id)
	c.promoteNext(cmd.id)
	cmd.reply <- reply{}
}

// handleCancelWait is sent by a caller whose ctx expired while waiting for
// Acquire. Because commands from one caller goroutine are delivered to
// this coordinator in send order, the original acquire command (sent
// earlier by the same goroutine) has already been fully resolved by the
// time this arrives: the caller is either still queued in waiters (never
// granted — remove it) or already installed as holder (granted after the
// caller gave up — release it immediately so the id is never orphaned).
func (c *coordinator[K]) handleCancelWait(cmd command[K]) {
	if ws, ok := c.waiters[cmd.id]; ok {
		for i, w := range ws {
			if w.reply == cmd.reply {
				c.waiters[cmd.id] = append(ws[:i], ws[i+1:]...)
				if len(c.waiters[cmd.id]) == 0 {
					delete(c.waiters, cmd.id)
				}
				return
			}
		}
	}

	// Not queued: the grant already landed. Release it on the caller's
	// behalf since it walked away without a token.
	if h, held := c.holders[cmd.id]; held && h.owner == cmd.owner {
		h.count--
		if h.count <= 0 {
			delete(c.holders, cmd.id)
			c.promoteNext(cmd.id)
		}
	}
}

// promoteNext installs the head of id's wait queue as the new holder and
// wakes it. It does not skip any entry: a waiter whose context has expired
// but whose opCancelWait has not been processed yet can be promoted here.
// Its reply channel is buffered, so the wake-up never blocks, and the
// pending opCancelWait then finds it installed as holder and releases the
// id on its behalf, so the lock is never left with an absent owner.
func (c *coordinator[K]) promoteNext(id K) {
	ws := c.waiters[id]
	if len(ws) == 0 {
		return
	}
	next := ws[0]
	c.waiters[id] = ws[1:]
	if len(c.waiters[id]) == 0 {
		delete(c.waiters, id)
	}
	c.holders[id] = &holderState{owner: next.owner, count: 1}
	next.reply <- reply{}
}
