package core

// RootOutcome is the terminal outcome of one root invocation as observed at
// the moment a GraphCall produced a FinalState or AbandonedState snapshot.
type RootOutcome struct {
	Node  NodeID
	State ReplyState
	Value any
	// Err is the canonical three-layer chain (see ContainerError) when
	// State is Failed, and nil otherwise.
	Err error
}

// FinalState is returned by GraphCall.WeaklyClose once every registered
// outstanding reply has completed (spec.md §4.5, §6).
type FinalState struct {
	// Outcomes holds one entry per root node invoked during the call, in
	// invocation order.
	Outcomes []RootOutcome

	// Ignored lists the replies a consumer declared no further interest in
	// via Ignore, whether or not that ignore proved to be the reply's
	// unique consumer.
	Ignored []ReplyKey

	// UnhandledExceptions accumulates observer failures and the primed-
	// dependency failures a Discard-strategy node dropped (spec.md §7). The
	// engine runs no scope cleanups, so no cleanup failures appear here.
	UnhandledExceptions []error

	// IsAbandoned is always false for a FinalState; present so callers can
	// treat FinalState and AbandonedState uniformly where useful.
	IsAbandoned bool
}

// AbandonedState is returned by GraphCall.Abandon: a best-effort snapshot
// of what is known at the instant abandon was invoked, with no guarantee
// about what happens to work still in flight afterward (spec.md §4.5, §6).
type AbandonedState struct {
	Outcomes            []RootOutcome
	Ignored             []ReplyKey
	UnhandledExceptions []error
	IsAbandoned         bool
}
