// Package stage defines the fixed order of test stages a worker walks through.
package stage

import (
	"errors"
	"fmt"
)

// Stage is the name of one phase of a test run.
type Stage string

const (
	Lock        Stage = "lock"
	Configure   Stage = "configure"
	Prepare     Stage = "prepare"
	Start       Stage = "start"
	Poll        Stage = "poll"
	End         Stage = "end"
	PostProcess Stage = "postprocess"
	Unlock      Stage = "unlock"
	Finish      Stage = "finish"

	// Initial is the virtual stage a worker reports before it takes the lock.
	Initial Stage = "started"
)

// ErrUnknownStage is returned for names outside the canonical order.
var ErrUnknownStage = errors.New("unknown stage")

// Order is the canonical stage sequence.
var Order = []Stage{Lock, Configure, Prepare, Start, Poll, End, PostProcess, Unlock, Finish}

var index = func() map[Stage]int {
	m := make(map[Stage]int, len(Order))
	for i, s := range Order {
		m[s] = i
	}
	return m
}()

// Valid reports whether s is part of the canonical order.
func (s Stage) Valid() bool {
	_, ok := index[s]
	return ok
}

func (s Stage) String() string { return string(s) }

// Index returns the position of s in Order.
func Index(s Stage) (int, error) {
	i, ok := index[s]
	if !ok {
		return -1, fmt.Errorf("%w: %q", ErrUnknownStage, string(s))
	}
	return i, nil
}

// Parse converts a wire name into a Stage.
func Parse(name string) (Stage, error) {
	s := Stage(name)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStage, name)
	}
	return s, nil
}

// Before reports whether a is strictly earlier than b.
func Before(a, b Stage) (bool, error) {
	ia, err := Index(a)
	if err != nil {
		return false, err
	}
	ib, err := Index(b)
	if err != nil {
		return false, err
	}
	return ia < ib, nil
}

// NotAfter reports whether a is no later than b.
func NotAfter(a, b Stage) (bool, error) {
	later, err := Before(b, a)
	if err != nil {
		return false, err
	}
	return !later, nil
}

// Names returns the wire names of Order, used for schema enums and help text.
func Names() []string {
	names := make([]string, len(Order))
	for i, s := range Order {
		names[i] = string(s)
	}
	return names
}
