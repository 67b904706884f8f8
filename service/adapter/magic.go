package adapter

import (
	"encoding/binary"

	"github.com/rr-go/rrgdbadapter/pkg/rsp"
)

// magicWrite offers a set-memory request to the magic channel. It
// returns handled=true if this write was a recognized magic command and
// should not fall through to the normal memory path.
func (s *Server) magicWrite(addr uint64, data []byte) (handled bool) {
	if addr != rsp.CmdAddr || len(data) != 4 {
		return false
	}
	word := binary.LittleEndian.Uint32(data)
	opcode := word & rsp.CmdMsgMask
	param := word & rsp.CmdParamMask

	switch opcode {
	case rsp.CmdMsgCreateCheckpoint:
		if s.Timeline.CanAddCheckpoint() {
			s.checkpoints.Create(s.Timeline, param)
		}
		return true
	case rsp.CmdMsgDeleteCheckpoint:
		s.checkpoints.Delete(s.Timeline, param)
		return true
	default:
		return false
	}
}

// magicRead offers a get-memory request to the magic channel. It returns
// handled=true (with data populated) if this read targeted WHEN_ADDR with
// the expected 8-byte length.
func (s *Server) magicRead(addr uint64, length int) (data []byte, handled bool) {
	if addr != rsp.WhenAddr || length != 8 {
		return nil, false
	}
	var event int64 = -1
	if sess := s.activeSession(); !sess.IsDiversion() {
		event = s.currentEventNumber()
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(event))
	return buf, true
}

// currentEventNumber reads the current trace frame's event number.
func (s *Server) currentEventNumber() int64 {
	return s.Timeline.CurrentEvent()
}
