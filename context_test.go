package sockrouter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/suite"
)

type ContextSuite struct {
	suite.Suite
}

func TestContextSuite(t *testing.T) {
	suite.Run(t, new(ContextSuite))
}

func newTestCtx(r *Router, conn Conn, isRPC bool) *Ctx {
	c := &Ctx{
		router:        r,
		conn:          conn,
		msgType:       "test",
		clientID:      conn.ClientID(),
		correlationID: "corr-1",
		isRPC:         isRPC,
		responseType:  "test.response",
		ctx:           context.Background(),
	}
	c.data = new(atomic.Pointer[map[string]any])
	return c
}

func (s *ContextSuite) TestAssignDataIsCopyOnWrite() {
	r := New()
	conn := newFakeConn("c1")
	c := newTestCtx(r, conn, false)

	c.AssignData(map[string]any{"a": 1})
	first := c.Data()
	c.AssignData(map[string]any{"b": 2})
	second := c.Data()

	s.Equal(map[string]any{"a": 1}, first, "first snapshot must not be mutated by later AssignData calls")
	s.Equal(map[string]any{"a": 1, "b": 2}, second)
}

func (s *ContextSuite) TestAssignDataConcurrentSafe() {
	r := New()
	conn := newFakeConn("c1")
	c := newTestCtx(r, conn, false)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			c.AssignData(map[string]any{"k": n})
		}(i)
	}
	wg.Wait()
	_, ok := c.Data()["k"]
	s.True(ok)
}

func (s *ContextSuite) TestReplyIsTerminalOnceDirectly() {
	r := New()
	conn := newFakeConn("c1")
	c := newTestCtx(r, conn, true)

	s.Require().NoError(c.Reply(echoPayload{Value: "one"}))
	s.Require().NoError(c.Reply(echoPayload{Value: "two"}))
	s.Len(conn.messages(), 1)
}

func (s *ContextSuite) TestProgressNoopsAfterTerminal() {
	r := New()
	conn := newFakeConn("c1")
	c := newTestCtx(r, conn, true)

	s.Require().NoError(c.Reply(echoPayload{Value: "done"}))
	s.Require().NoError(c.Progress(echoPayload{Value: "late"}))
	s.Len(conn.messages(), 1, "progress after terminal must not emit a frame")
}

func (s *ContextSuite) TestReplyOnNonRPCContextErrors() {
	r := New()
	conn := newFakeConn("c1")
	c := newTestCtx(r, conn, false)

	err := c.Reply(echoPayload{Value: "x"})
	s.Error(err)
	s.Equal(CodeFailedPrecondition, AsWireError(err).Code)
}

func (s *ContextSuite) TestErrorIsTerminalOnlyForRPC() {
	r := New()
	conn := newFakeConn("c1")
	c := newTestCtx(r, conn, false)

	s.Require().NoError(c.Error(CodeInvalidArgument, "bad", nil))
	s.Require().NoError(c.Error(CodeInvalidArgument, "bad again", nil))
	s.Len(conn.messages(), 2, "event-context errors are never terminal")
}

func (s *ContextSuite) TestAbortedOptionsSkipsEmission() {
	r := New()
	conn := newFakeConn("c1")
	c := newTestCtx(r, conn, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Require().NoError(c.Send("whatever", echoPayload{}, Options{Signal: ctx}))
	s.Len(conn.messages(), 0)
}
