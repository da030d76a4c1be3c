package controller

import "fmt"

// DrainBlockedError reports that a node drain was aborted because a
// non-drainable pod occupies the node. Idle analysis is a point-in-time
// filter, so occupancy is re-checked at drain time; this error means the
// node stays untouched for the cycle.
type DrainBlockedError struct {
	Node string
	Pod  string
}

func (e *DrainBlockedError) Error() string {
	return fmt.Sprintf("drain of node %s blocked by non-drainable pod %s", e.Node, e.Pod)
}

// TerminationError reports that a drained node's instance could not be
// terminated. The node is left cordoned so a later cycle can retry.
type TerminationError struct {
	Node     string
	Instance string
	Err      error
}

func (e *TerminationError) Error() string {
	return fmt.Sprintf("terminating instance %s for node %s: %v", e.Instance, e.Node, e.Err)
}

func (e *TerminationError) Unwrap() error { return e.Err }
