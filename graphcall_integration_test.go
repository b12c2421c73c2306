package graphflow

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/creastat/graphflow/core"
)

// mockObserver is a testify mock.Mock-based Observer, the same test-double
// shape the teacher's integration_test.go uses for its provider mocks
// (MockSTTProvider, MockSTTStream), adapted here to graphflow's four-hook-
// family Observer collaborator interface. Every before-hook records the
// call via m.Called and returns a closure counting its own after-call.
type mockObserver struct {
	mock.Mock
	everyCallAfters         int64
	firstCallAfters         int64
	beforeBehaviorAfters    int64
	beforeCustomActionAfter int64
}

func (m *mockObserver) EveryCall(node core.NodeID, memory core.MemoryID) func(HookOutcome) {
	m.Called(node, memory)
	return func(HookOutcome) { atomic.AddInt64(&m.everyCallAfters, 1) }
}

func (m *mockObserver) FirstCall(node core.NodeID, memory core.MemoryID) func(HookOutcome) {
	m.Called(node, memory)
	return func(HookOutcome) { atomic.AddInt64(&m.firstCallAfters, 1) }
}

func (m *mockObserver) BeforeBehavior(node core.NodeID, memory core.MemoryID) func(HookOutcome) {
	m.Called(node, memory)
	return func(HookOutcome) { atomic.AddInt64(&m.beforeBehaviorAfters, 1) }
}

func (m *mockObserver) BeforeCustomAction(node core.NodeID, memory core.MemoryID) func(HookOutcome) {
	m.Called(node, memory)
	return func(HookOutcome) { atomic.AddInt64(&m.beforeCustomActionAfter, 1) }
}

func TestIntegrationObserverSeesEveryNodeLifecycle(t *testing.T) {
	leaf, err := NewNode("leaf", kindRoot).WithBehavior(constantBehavior(1)).Build()
	assert.NoError(t, err)

	rootBuilder := NewNode("root", kindRoot).WithBehavior(constantBehavior(2))
	rootBuilder.DependsOn(leaf)
	root, err := rootBuilder.Build()
	assert.NoError(t, err)

	graph, err := FromRoots("integration", []*Node{root})
	assert.NoError(t, err)

	observer := &mockObserver{}
	observer.On("EveryCall", mock.Anything, mock.Anything).Return()
	observer.On("FirstCall", mock.Anything, mock.Anything).Return()
	observer.On("BeforeBehavior", mock.Anything, mock.Anything).Return()

	call, err := Open(graph, rootFactory, nil, observer)
	assert.NoError(t, err)

	reply, err := call.Invoke(root)
	assert.NoError(t, err)

	_, err = reply.Get(context.Background())
	assert.NoError(t, err)

	final := call.WeaklyClose()
	assert.Len(t, final.Outcomes, 1)
	assert.Equal(t, core.Succeeded, final.Outcomes[0].State)
	assert.Empty(t, final.UnhandledExceptions)

	// Two nodes (root, leaf), one check-in each: every-call and first-call
	// fire once per node, before-behavior fires once per node's behavior.
	observer.AssertNumberOfCalls(t, "EveryCall", 2)
	observer.AssertNumberOfCalls(t, "FirstCall", 2)
	observer.AssertNumberOfCalls(t, "BeforeBehavior", 2)
	assert.Equal(t, int64(2), atomic.LoadInt64(&observer.everyCallAfters))
	assert.Equal(t, int64(2), atomic.LoadInt64(&observer.firstCallAfters))
	assert.Equal(t, int64(2), atomic.LoadInt64(&observer.beforeBehaviorAfters))
}

// An observer panic is captured as an unhandled exception in the call's
// final state rather than escaping into the engine (spec.md §7, §9).
func TestIntegrationObserverPanicBecomesUnhandledException(t *testing.T) {
	root, err := NewNode("root", kindRoot).WithBehavior(constantBehavior(1)).Build()
	assert.NoError(t, err)

	graph, err := FromRoots("panic", []*Node{root})
	assert.NoError(t, err)

	call, err := Open(graph, rootFactory, nil, panicObserver{})
	assert.NoError(t, err)

	reply, err := call.Invoke(root)
	assert.NoError(t, err)

	_, err = reply.Get(context.Background())
	assert.NoError(t, err)

	final := call.WeaklyClose()
	assert.NotEmpty(t, final.UnhandledExceptions)
}

type panicObserver struct{}

func (panicObserver) EveryCall(core.NodeID, core.MemoryID) func(HookOutcome) { return nil }
func (panicObserver) FirstCall(core.NodeID, core.MemoryID) func(HookOutcome) { return nil }
func (panicObserver) BeforeBehavior(core.NodeID, core.MemoryID) func(HookOutcome) {
	panic("boom")
}
func (panicObserver) BeforeCustomAction(core.NodeID, core.MemoryID) func(HookOutcome) { return nil }
