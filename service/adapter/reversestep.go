package adapter

import (
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sys/unix"

	"github.com/rr-go/rrgdbadapter/pkg/replay"
	"github.com/rr-go/rrgdbadapter/pkg/rsp"
)

// reverseStepCacheSize bounds the adapter-level memoization of the
// timeline's now->previous relation, letting a short window of back-and-
// forth scrubbing keep serving get_regs from cache even if the client has
// since stepped forward past it.
const reverseStepCacheSize = 64

// reverseStepCache memoizes Mark -> immediately-preceding-Mark, layered on
// top of Timeline.LazyReverseSinglestep so a repeated visit to the same
// span doesn't need the timeline's own cache to still be warm.
type reverseStepCache struct {
	lru *lru.Cache
}

func newReverseStepCache() *reverseStepCache {
	c, err := lru.New(reverseStepCacheSize)
	if err != nil {
		panic(err)
	}
	return &reverseStepCache{lru: c}
}

func (c *reverseStepCache) lookup(now replay.Mark) (replay.Mark, bool) {
	v, ok := c.lru.Get(now)
	if !ok {
		return nil, false
	}
	m, ok := v.(replay.Mark)
	return m, ok
}

func (c *reverseStepCache) remember(now, previous replay.Mark) {
	c.lru.Add(now, previous)
}

// isReverseStepCandidate reports whether req is a single-thread,
// no-signal, backward single-step targeting current.
func isReverseStepCandidate(req rsp.Request, current replay.Task) bool {
	if req.Type != rsp.ReqCont || current == nil {
		return false
	}
	if replay.RunDirection(req.Cont.RunDirection) != replay.RunBackward {
		return false
	}
	if len(req.Cont.Actions) != 1 {
		return false
	}
	a := req.Cont.Actions[0]
	if a.Type != rsp.ActionStep || a.SignalToDeliver != 0 {
		return false
	}
	uid := current.UID()
	return a.Target.Matches(int32(uid.Group), int32(uid.Task))
}

// tryReverseStepFastPath drains a run of backward single-steps directly
// from cached marks, without touching the timeline until the client
// stops asking for registers. If first doesn't
// qualify, it returns engaged=false and the caller processes first
// normally. Otherwise it drives the cached-mark loop directly against
// s.Conn until a non-get_regs request arrives (or the cache runs dry),
// performs the deferred seek if it advanced at all, and returns that
// request for the caller to process next.
func (s *Server) tryReverseStepFastPath(current replay.Task, first rsp.Request) (next rsp.Request, engaged bool) {
	if !isReverseStepCandidate(first, current) {
		return first, false
	}

	now := s.Timeline.Mark()
	seekNeeded := false
	req := first

	for isReverseStepCandidate(req, current) {
		previous, ok := s.reverseCache.lookup(now)
		if !ok {
			previous, ok = s.Timeline.LazyReverseSinglestep(now, current)
		}
		if !ok {
			break
		}
		s.reverseCache.remember(now, previous)
		now = previous
		seekNeeded = true

		n := stopNotification{Thread: threadIDOf(current), Signal: int(unix.SIGTRAP), ok: true}
		n.notify(s.Conn)

		for {
			req = s.Conn.GetRequest()
			if req.Type != rsp.ReqGetReg && req.Type != rsp.ReqGetRegs {
				break
			}
			s.serveRegsFromMark(now, req)
		}
	}

	if seekNeeded {
		if err := s.Timeline.SeekToMark(now); err != nil {
			fatalf("reverse-step: seek to cached mark failed: %v", err)
		}
	}
	return req, true
}

func (s *Server) serveRegsFromMark(m replay.Mark, req rsp.Request) {
	switch req.Type {
	case rsp.ReqGetReg:
		s.Conn.ReplyGetReg(readOneRegister(m, req.Reg.Name))
	case rsp.ReqGetRegs:
		s.Conn.ReplyGetRegs(allRegisters(m))
	}
}
