package metrics

import "testing"

func TestObserversDoNotPanic(t *testing.T) {
	m := New(9001)

	m.ObserveContribution("42", 0.37)
	m.ObserveChannel(2)
	m.SetAdaptiveK(0.25)
	m.ObservePush(128)
	m.ObservePull()
	m.ObserveServerPush("42")
	m.ObserveServerPull("42")
}

func TestDistinctNodesRegisterIndependently(t *testing.T) {
	a := New(9002)
	b := New(9003)

	a.ObservePush(1)
	b.ObservePush(2)
}
