package graphflow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/creastat/graphflow/core"
)

const (
	kindRoot  core.MemoryKind = "root"
	kindChild core.MemoryKind = "child"
)

func constantBehavior(v any) Behavior {
	return PlainBehavior{
		Run: func(ctx context.Context, device *DependencyCallingDevice) (*Response, error) {
			r := NewResponse()
			r.Complete(v, nil)
			return r, nil
		},
	}
}

func failingBehavior(err error) Behavior {
	return PlainBehavior{
		Run: func(ctx context.Context, device *DependencyCallingDevice) (*Response, error) {
			return nil, err
		},
	}
}

func rootFactory(_ context.Context, raw any) (any, error) { return raw, nil }

// Hello world: a graph with a single root node, invoked once, returns its
// own value (spec.md §8 scenario 1).
func TestHelloWorld(t *testing.T) {
	root, err := NewNode("hello", kindRoot).WithBehavior(constantBehavior("hello")).Build()
	if err != nil {
		t.Fatal(err)
	}
	graph, err := FromRoots("hello-world", []*Node{root})
	if err != nil {
		t.Fatal(err)
	}
	call, err := Open(graph, rootFactory, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	reply, err := call.Invoke(root)
	if err != nil {
		t.Fatal(err)
	}
	value, err := reply.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if value != "hello" {
		t.Fatalf("value = %v, want hello", value)
	}
	final := call.WeaklyClose()
	if len(final.Outcomes) != 1 || final.Outcomes[0].State != core.Succeeded {
		t.Fatalf("unexpected final state: %+v", final)
	}
}

// A shared dependency invoked from two different consumers in the same
// memory runs its behavior exactly once (spec.md §8 scenario 2 / invariant
// 1: memoization is linearizable per (node, memory)).
func TestMemoizedSharedDependency(t *testing.T) {
	var runs int
	shared, err := NewNode("shared", kindRoot).WithBehavior(PlainBehavior{
		Run: func(ctx context.Context, device *DependencyCallingDevice) (*Response, error) {
			runs++
			r := NewResponse()
			r.Complete(42, nil)
			return r, nil
		},
	}).Build()
	if err != nil {
		t.Fatal(err)
	}

	consumerA := NewNode("a", kindRoot).WithBehavior(PlainBehavior{
		Run: func(ctx context.Context, device *DependencyCallingDevice) (*Response, error) {
			r := NewResponse()
			r.Complete("a", nil)
			return r, nil
		},
	})
	edgeA := consumerA.DependsOn(shared)
	_ = edgeA
	nodeA, err := consumerA.Build()
	if err != nil {
		t.Fatal(err)
	}

	consumerB := NewNode("b", kindRoot).WithBehavior(PlainBehavior{
		Run: func(ctx context.Context, device *DependencyCallingDevice) (*Response, error) {
			r := NewResponse()
			r.Complete("b", nil)
			return r, nil
		},
	})
	consumerB.DependsOn(shared)
	nodeB, err := consumerB.Build()
	if err != nil {
		t.Fatal(err)
	}

	graph, err := FromRoots("shared-dep", []*Node{nodeA, nodeB})
	if err != nil {
		t.Fatal(err)
	}
	call, err := Open(graph, rootFactory, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	ra, _ := call.Invoke(nodeA)
	rb, _ := call.Invoke(nodeB)
	if _, err := ra.Get(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := rb.Get(context.Background()); err != nil {
		t.Fatal(err)
	}
	call.WeaklyClose()

	if runs != 1 {
		t.Fatalf("shared dependency ran %d times, want 1", runs)
	}
}

// FailFast priming-failure policy ends priming at the first failed primed
// dependency without waiting for the others (spec.md §8 scenario 4).
func TestPrimingFailureFailFast(t *testing.T) {
	var slowRan bool
	slow, _ := NewNode("slow", kindRoot).WithBehavior(PlainBehavior{
		Run: func(ctx context.Context, device *DependencyCallingDevice) (*Response, error) {
			slowRan = true
			r := NewResponse()
			go func() {
				time.Sleep(20 * time.Millisecond)
				r.Complete("late", nil)
			}()
			return r, nil
		},
	}).Build()

	boom := errors.New("boom")
	failer, _ := NewNode("failer", kindRoot).WithBehavior(failingBehavior(boom)).Build()

	consumer := NewNode("consumer", kindRoot).
		WithPrimingFailurePolicy(core.FailFast).
		WithBehavior(constantBehavior("unreached"))
	consumer.DependsOn(slow)
	consumer.DependsOn(failer)
	node, err := consumer.Build()
	if err != nil {
		t.Fatal(err)
	}

	graph, err := FromRoots("fail-fast", []*Node{node})
	if err != nil {
		t.Fatal(err)
	}
	call, err := Open(graph, rootFactory, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	reply, _ := call.Invoke(node)
	_, err = reply.Get(context.Background())
	if err == nil {
		t.Fatal("expected a priming failure")
	}
	if core.Cause(err) != boom {
		t.Fatalf("Cause() = %v, want %v", core.Cause(err), boom)
	}
	_ = slowRan
	call.WeaklyClose()
}

// WaitAll priming-failure policy waits for every primed dependency and
// folds the extra failures in as suppressed causes by default (spec.md §8
// scenario 4, §4.2 exception-strategy interplay).
func TestPrimingFailureWaitAllSuppressesOthers(t *testing.T) {
	errA := errors.New("err-a")
	errB := errors.New("err-b")
	failA, _ := NewNode("fail-a", kindRoot).WithBehavior(failingBehavior(errA)).Build()
	failB, _ := NewNode("fail-b", kindRoot).WithBehavior(failingBehavior(errB)).Build()

	consumer := NewNode("consumer", kindRoot).
		WithPrimingFailurePolicy(core.WaitAll).
		WithBehavior(constantBehavior("unreached"))
	consumer.DependsOn(failA)
	consumer.DependsOn(failB)
	node, err := consumer.Build()
	if err != nil {
		t.Fatal(err)
	}

	graph, err := FromRoots("wait-all", []*Node{node})
	if err != nil {
		t.Fatal(err)
	}
	call, err := Open(graph, rootFactory, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	reply, _ := call.Invoke(node)
	_, err = reply.Get(context.Background())
	if err == nil {
		t.Fatal("expected a priming failure")
	}
	container, ok := core.AsContainerError(err)
	if !ok {
		t.Fatalf("expected a canonical container error, got %v", err)
	}
	if len(container.Suppressed()) != 1 {
		t.Fatalf("expected one suppressed cause, got %d", len(container.Suppressed()))
	}
	call.WeaklyClose()
}

// Invoking Ignore as a reply's sole remaining consumer fires the reply
// signal; a second registered consumer that never ignores keeps it silent
// (spec.md §8 scenario 6, §4.2's "when in doubt, stay silent").
func TestIgnoreTriggersReplySignalOnlyWhenUniqueConsumer(t *testing.T) {
	target, _ := NewNode("target", kindRoot).WithBehavior(PlainBehavior{
		Run: func(ctx context.Context, device *DependencyCallingDevice) (*Response, error) {
			r := NewResponse()
			r.Complete("value", nil)
			return r, nil
		},
	}).Build()

	lone := NewNode("lone", kindRoot)
	var edge *DependencyEdge
	var ignored *Reply
	lone.WithBehavior(PlainBehavior{
		Run: func(ctx context.Context, device *DependencyCallingDevice) (*Response, error) {
			dep, err := device.Call(edge)
			if err != nil {
				return nil, err
			}
			device.Ignore(dep)
			ignored = dep
			r := NewResponse()
			r.Complete(nil, nil)
			return r, nil
		},
	})
	edge = lone.DependsOn(target, Unprimed())
	loneNode, err := lone.Build()
	if err != nil {
		t.Fatal(err)
	}

	graph, err := FromRoots("ignore", []*Node{loneNode})
	if err != nil {
		t.Fatal(err)
	}
	call, err := Open(graph, rootFactory, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	reply, err := call.Invoke(loneNode)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reply.Get(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !ignored.replySignal.triggered() {
		t.Fatal("expected the lone consumer's Ignore to trigger the reply signal")
	}

	// With two registered consumers, one Ignore leaves the signal silent.
	shared := newReply(core.ReplyKey{}, target)
	shared.register(1)
	shared.register(2)
	shared.Ignore(1)
	if shared.replySignal.triggered() {
		t.Fatal("expected the reply signal to stay silent while another consumer is registered")
	}
	call.WeaklyClose()
}

// A composite-signal loop that observes its own reply signal stops early
// once its sole consumer ignores it in favor of a sibling that finished
// first — the reply signal is the third cancellation tier a
// CompositeSignalBehavior's CancelSignalView combines in, not just the
// call and scope tiers (spec.md §8 scenario 6, §4.3 hook 3).
func TestReplySignalStopsCompositeSignalLoopOnceIgnored(t *testing.T) {
	countingLoop := func(iterations int) Behavior {
		return CompositeSignalBehavior{
			Run: func(ctx context.Context, device *DependencyCallingDevice, signal CancelSignalView) (*Response, error) {
				count := 0
				for i := 0; i < iterations; i++ {
					if signal.Triggered() {
						break
					}
					count++
					if i&0xFF == 0 {
						time.Sleep(20 * time.Microsecond)
					}
				}
				r := NewResponse()
				r.Complete(count, nil)
				return r, nil
			},
		}
	}

	short, _ := NewNode("short", kindRoot).WithBehavior(countingLoop(100)).Build()
	long, _ := NewNode("long", kindRoot).WithBehavior(countingLoop(1_000_000)).Build()

	consumer := NewNode("consumer", kindRoot)
	var shortEdge, longEdge *DependencyEdge
	var longDep *Reply
	consumer.WithBehavior(PlainBehavior{
		Run: func(ctx context.Context, device *DependencyCallingDevice) (*Response, error) {
			shortReply, err := device.Call(shortEdge)
			if err != nil {
				return nil, err
			}
			longReply, err := device.Call(longEdge)
			if err != nil {
				return nil, err
			}
			longDep = longReply

			// Await whichever reply completes first.
			first := make(chan *Reply, 2)
			go func() { <-shortReply.done; first <- shortReply }()
			go func() { <-longReply.done; first <- longReply }()
			<-first

			device.Ignore(shortReply)
			device.Ignore(longReply)

			r := NewResponse()
			r.Complete(nil, nil)
			return r, nil
		},
	})
	shortEdge = consumer.DependsOn(short, Unprimed())
	longEdge = consumer.DependsOn(long, Unprimed())
	consumerNode, err := consumer.Build()
	if err != nil {
		t.Fatal(err)
	}

	graph, err := FromRoots("reply-signal-loop", []*Node{consumerNode})
	if err != nil {
		t.Fatal(err)
	}
	call, err := Open(graph, rootFactory, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	reply, err := call.Invoke(consumerNode)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reply.Get(context.Background()); err != nil {
		t.Fatal(err)
	}
	call.WeaklyClose()

	longCount, _ := longDep.Get(context.Background())
	count, ok := longCount.(int)
	if !ok {
		t.Fatalf("expected the long loop's reply to carry an int count, got %#v", longCount)
	}
	if count >= 1_000_000 {
		t.Fatalf("expected the long loop to stop early once ignored, got count = %d", count)
	}
}

// Iteration over a new-memory dependency runs the same target node once
// per distinct memory, not once total (spec.md §8 scenario 3).
func TestIterationOverNewMemory(t *testing.T) {
	var runs []any
	item, _ := NewNode("item", kindChild).WithBehavior(PlainBehavior{
		Run: func(ctx context.Context, device *DependencyCallingDevice) (*Response, error) {
			runs = append(runs, device.Memory().Input())
			r := NewResponse()
			r.Complete(device.Memory().Input(), nil)
			return r, nil
		},
	}).Build()

	iterator := NewNode("iterator", kindRoot)
	var edge *DependencyEdge
	iterator.WithBehavior(PlainBehavior{
		Run: func(ctx context.Context, device *DependencyCallingDevice) (*Response, error) {
			var results []any
			for i := 0; i < 3; i++ {
				reply, err := device.CallNew(edge, i)
				if err != nil {
					return nil, err
				}
				v, err := reply.Get(ctx)
				if err != nil {
					return nil, err
				}
				results = append(results, v)
			}
			r := NewResponse()
			r.Complete(results, nil)
			return r, nil
		},
	})
	edge = iterator.DependsOn(item, Unprimed(), NewMemory(func(ctx context.Context, raw any) (any, error) {
		return raw, nil
	}))
	node, err := iterator.Build()
	if err != nil {
		t.Fatal(err)
	}

	graph, err := FromRoots("iteration", []*Node{node})
	if err != nil {
		t.Fatal(err)
	}
	call, err := Open(graph, rootFactory, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	reply, err := call.Invoke(node)
	if err != nil {
		t.Fatal(err)
	}
	v, err := reply.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	results := v.([]any)
	if len(results) != 3 || len(runs) != 3 {
		t.Fatalf("expected 3 distinct runs, got results=%v runs=%v", results, runs)
	}
	call.WeaklyClose()
}

// Cancelling a scope while a node's behavior is running in it abandons the
// pending response: the reply completes Cancelled and Get returns the
// scope's cancellation reason (spec.md §8 scenario 5, §4.3).
func TestCancellationThroughScope(t *testing.T) {
	started := make(chan struct{})
	blocked, _ := NewNode("blocked", kindRoot).WithBehavior(PlainBehavior{
		Run: func(ctx context.Context, device *DependencyCallingDevice) (*Response, error) {
			close(started)
			r := NewResponse()
			go func() {
				<-ctx.Done()
			}()
			return r, nil
		},
	}).Build()

	graph, err := FromRoots("cancel-scope", []*Node{blocked})
	if err != nil {
		t.Fatal(err)
	}
	call, err := Open(graph, rootFactory, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	reply, err := call.Invoke(blocked)
	if err != nil {
		t.Fatal(err)
	}
	<-started
	reason := fmt.Errorf("scope cancelled")
	call.rootScope.Cancel(reason)

	if _, err := reply.Get(context.Background()); err != reason {
		t.Fatalf("Get() error = %v, want the scope's cancellation reason %v", err, reason)
	}
	if reply.State() != core.Cancelled {
		t.Fatalf("state = %v, want Cancelled", reply.State())
	}
}
