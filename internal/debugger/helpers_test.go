package debugger

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ctagard/osidbg/internal/engine"
	"github.com/ctagard/osidbg/internal/story"
	"github.com/ctagard/osidbg/pkg/types"
)

const waitTimeout = 2 * time.Second

// Action ids: rule 3 -> 1, rule 7 -> 2, goal 1 init -> 3,4, goal 1 exit -> 5.
const testStory = `
nodes:
  - id: 1
    type: database
    name: DB_Players
    arity: 2
    children: [2]
  - id: 2
    type: relop
    relop: ">"
    column: 1
    operand: 5
    children: [3]
  - id: 3
    type: rule
    name: GreetVeterans
    actions:
      - function: DB_Greeted
        arguments: ["$0"]
  - id: 4
    type: database
    name: DB_Greeted
    arity: 1
    children: [5]
  - id: 5
    type: and
    join: 6
    children: [7]
  - id: 6
    type: database
    name: DB_Friends
    arity: 1
    facts: [["Lohse"]]
  - id: 7
    type: rule
    name: WelcomeFriends
    actions:
      - function: DB_Welcomed
        arguments: ["$0"]
  - id: 8
    type: database
    name: DB_Welcomed
    arity: 1
  - id: 42
    type: database
    name: DB_Watched
    arity: 1
    facts: [["x"]]
goals:
  - id: 1
    name: Start
    init:
      - function: DB_Players
        arguments: ["Lohse", "12"]
      - function: DB_Players
        arguments: ["Fane", "20"]
    exit:
      - function: DB_Greeted
        arguments: ["Lohse"]
        not: true
`

type notification struct {
	kind       string
	reason     types.BreakpointReason
	global     types.GlobalBreakpointReason
	stack      []Frame
	generation uint32
}

// fakeNotifier stands in for a protocol session
type fakeNotifier struct {
	id     string
	fail   bool
	events chan notification
	ended  chan string
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		id:     "test-session",
		events: make(chan notification, 64),
		ended:  make(chan string, 4),
	}
}

func (n *fakeNotifier) SessionID() string { return n.id }

func (n *fakeNotifier) BreakpointTriggered(reason types.BreakpointReason, stack []Frame) error {
	if n.fail {
		return fmt.Errorf("broken pipe")
	}
	n.events <- notification{kind: "breakpoint", reason: reason, stack: stack}
	return nil
}

func (n *fakeNotifier) GlobalBreakpointTriggered(reason types.GlobalBreakpointReason) error {
	if n.fail {
		return fmt.Errorf("broken pipe")
	}
	n.events <- notification{kind: "global", global: reason}
	return nil
}

func (n *fakeNotifier) StoryLoaded(db *story.Database) error {
	n.events <- notification{kind: "story", generation: db.Generation()}
	return nil
}

func (n *fakeNotifier) SessionEnded(reason string) {
	n.ended <- reason
}

func (n *fakeNotifier) next(t *testing.T) notification {
	t.Helper()
	select {
	case ev := <-n.events:
		return ev
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a notification")
	}
	return notification{}
}

func (n *fakeNotifier) nextBreakpoint(t *testing.T) notification {
	t.Helper()
	ev := n.next(t)
	require.Equal(t, "breakpoint", ev.kind, "got %+v", ev)
	return ev
}

func (n *fakeNotifier) assertQuiet(t *testing.T) {
	t.Helper()
	select {
	case ev := <-n.events:
		t.Fatalf("unexpected notification %+v", ev)
	default:
	}
}

func (n *fakeNotifier) waitEnded(t *testing.T) string {
	t.Helper()
	select {
	case reason := <-n.ended:
		return reason
	case <-time.After(waitTimeout):
		t.Fatal("session was not ended")
	}
	return ""
}

// setup loads testStory into an engine instrumented by a coordinator and
// attaches a fake session
func setup(t *testing.T) (*Coordinator, *engine.Engine, *fakeNotifier) {
	t.Helper()
	c := NewCoordinator(nil)
	e := engine.New(c, nil)
	db, err := story.Parse([]byte(testStory), 1)
	require.NoError(t, err)
	e.Load(db)

	n := newFakeNotifier()
	require.NoError(t, c.Attach(n))
	return c, e, n
}

// async runs fn as the evaluation thread
func async(fn func()) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	return done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("evaluation thread is still blocked")
	}
}

func run(c *Coordinator) error {
	return c.Continue(types.ContinueRun, nil)
}

func mustNode(t *testing.T, e *engine.Engine, id story.NodeID) *story.Node {
	t.Helper()
	n, ok := e.Database().Node(id)
	require.True(t, ok)
	return n
}
