package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/Virajr7123/Web-Chat-Ver-7.0.1/internal/call"
)

// console is the line-oriented control surface of the CLI peer. One command
// per line; output goes to the peer's stdout.
type console struct {
	mgr *call.Manager
	in  io.Reader
	out io.Writer

	mu      sync.Mutex
	ringing string
}

func newConsole(mgr *call.Manager, in io.Reader, out io.Writer) *console {
	c := &console{mgr: mgr, in: in, out: out}

	mgr.OnIncoming(func(n call.Notification) {
		c.mu.Lock()
		c.ringing = n.CallID
		c.mu.Unlock()
		c.printf("incoming %s call from %s <%s>, type 'accept' or 'reject'", n.Type, n.Caller.Name, n.Caller.Email)
	})
	mgr.OnWithdraw(func(callID string, reason call.WithdrawReason) {
		c.mu.Lock()
		if c.ringing == callID {
			c.ringing = ""
		}
		c.mu.Unlock()
		c.printf("incoming call withdrawn (%s)", reason)
	})
	mgr.OnStatus(func(callID string, s call.Status) {
		c.printf("call %s: %s", callID, s)
	})
	return c
}

func (c *console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format+"\n", args...)
}

func (c *console) run(ctx context.Context) {
	c.printf("commands: call <user> [video] | accept | reject | hangup | mute | video | speaker | status | help")

	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c.handle(ctx, strings.Fields(strings.TrimSpace(scanner.Text())))
	}
}

func (c *console) handle(ctx context.Context, args []string) {
	if len(args) == 0 {
		return
	}

	switch args[0] {
	case "call":
		if len(args) < 2 {
			c.printf("usage: call <user> [video]")
			return
		}
		t := call.TypeVoice
		if len(args) > 2 && args[2] == "video" {
			t = call.TypeVideo
		}
		sess, err := c.mgr.StartCall(ctx, args[1], t)
		if err != nil {
			c.printf("call failed: %v", err)
			return
		}
		c.printf("calling %s (%s)", args[1], sess.ID())

	case "accept":
		id := c.takeRinging()
		if id == "" {
			c.printf("nothing is ringing")
			return
		}
		if _, err := c.mgr.AcceptCall(ctx, id); err != nil {
			c.printf("accept failed: %v", err)
		}

	case "reject":
		id := c.takeRinging()
		if id == "" {
			c.printf("nothing is ringing")
			return
		}
		if err := c.mgr.RejectCall(ctx, id); err != nil {
			c.printf("reject failed: %v", err)
		}

	case "hangup":
		sess, ok := c.active()
		if !ok {
			c.printf("no active call")
			return
		}
		if err := c.mgr.EndCall(ctx, sess.ID()); err != nil {
			c.printf("hangup failed: %v", err)
		}

	case "mute":
		if sess, ok := c.active(); ok {
			c.printf("muted=%v", sess.ToggleMute())
		}

	case "video":
		if sess, ok := c.active(); ok {
			c.printf("video disabled=%v", sess.ToggleVideo())
		}

	case "speaker":
		if sess, ok := c.active(); ok {
			c.printf("speaker=%v", sess.ToggleSpeaker())
		}

	case "status":
		active := c.mgr.Active()
		if len(active) == 0 {
			c.printf("idle")
			return
		}
		for _, sess := range active {
			c.printf("%s with %s: %s", sess.ID(), sess.PeerID(), sess.Status())
		}

	case "help":
		c.printf("commands: call <user> [video] | accept | reject | hangup | mute | video | speaker | status | help")

	default:
		c.printf("unknown command %q, try 'help'", args[0])
	}
}

func (c *console) takeRinging() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.ringing
	c.ringing = ""
	return id
}

func (c *console) active() (*call.Call, bool) {
	active := c.mgr.Active()
	if len(active) == 0 {
		return nil, false
	}
	return active[0], true
}
