// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import "github.com/pkg/errors"

// Stack is an unbounded LIFO stack, used by layers to keep per-call state between FeedForward and the
// matching FeedBackward (or between FeedBackward and GradCollect).
//
// Calls must be paired and properly nested: the n-th FeedBackward pops what the n-th-to-last FeedForward pushed.
type Stack[T any] struct {
	items []T
}

// Push item to the top of the stack.
func (s *Stack[T]) Push(item T) { s.items = append(s.items, item) }

// Pop removes and returns the top of the stack. It returns false if the stack is empty.
func (s *Stack[T]) Pop() (item T, ok bool) {
	if len(s.items) == 0 {
		return
	}
	last := len(s.items) - 1
	item, ok = s.items[last], true
	var zero T
	s.items[last] = zero
	s.items = s.items[:last]
	return
}

// Peek returns the top of the stack without removing it. It returns false if the stack is empty.
func (s *Stack[T]) Peek() (item T, ok bool) {
	if len(s.items) == 0 {
		return
	}
	return s.items[len(s.items)-1], true
}

// Len returns the number of items in the stack.
func (s *Stack[T]) Len() int { return len(s.items) }

// Drain empties the stack, returning its items in push order.
func (s *Stack[T]) Drain() []T {
	items := s.items
	s.items = nil
	return items
}

// CheckEmpty returns an ErrUnbalancedState if the stack is not empty. layerName and what are used
// for the error message.
func (s *Stack[T]) CheckEmpty(layerName, what string) error {
	if len(s.items) != 0 {
		return errors.Wrapf(ErrUnbalancedState, "layer %q has %d pending %s", layerName, len(s.items), what)
	}
	return nil
}
