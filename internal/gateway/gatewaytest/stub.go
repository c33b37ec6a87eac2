// Package gatewaytest provides a scripted APICaller for tests.
package gatewaytest

import (
	"context"
	"encoding/json"
	"sync"

	"transferbook/internal/gateway"
)

type Response struct {
	Data any
	Err  error
}

type Call struct {
	Operation string
	Params    map[string]any
}

// Stub answers operations from queued responses. The last response queued
// for an operation keeps answering once the queue drains.
type Stub struct {
	mu        sync.Mutex
	responses map[string][]Response
	calls     []Call
	hooks     map[string]func()
}

func New() *Stub {
	return &Stub{responses: map[string][]Response{}, hooks: map[string]func(){}}
}

// On queues a successful answer. data may be a Go value or json.RawMessage.
func (s *Stub) On(op string, data any) *Stub {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[op] = append(s.responses[op], Response{Data: data})
	return s
}

func (s *Stub) Fail(op string, err error) *Stub {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[op] = append(s.responses[op], Response{Err: err})
	return s
}

// Before runs fn each time op is called, before the answer is produced.
func (s *Stub) Before(op string, fn func()) *Stub {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks[op] = fn
	return s
}

func (s *Stub) Call(ctx context.Context, operation string, params any, out any) error {
	var decoded map[string]any
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return err
		}
		_ = json.Unmarshal(raw, &decoded)
	}

	s.mu.Lock()
	s.calls = append(s.calls, Call{Operation: operation, Params: decoded})
	hook := s.hooks[operation]
	queue := s.responses[operation]
	var resp Response
	found := len(queue) > 0
	if found {
		resp = queue[0]
		if len(queue) > 1 {
			s.responses[operation] = queue[1:]
		}
	}
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err := ctx.Err(); err != nil {
		return &gateway.ErrorInfo{Kind: gateway.KindTransport, Op: operation, Err: err}
	}
	if !found {
		return gateway.Errorf(gateway.KindTransport, "no stubbed answer for %s", operation)
	}
	if resp.Err != nil {
		return resp.Err
	}
	if out == nil || resp.Data == nil {
		return nil
	}

	raw, ok := resp.Data.(json.RawMessage)
	if !ok {
		var err error
		if raw, err = json.Marshal(resp.Data); err != nil {
			return err
		}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &gateway.ErrorInfo{Kind: gateway.KindTransport, Op: operation, Err: err}
	}
	return nil
}

// Calls returns the recorded calls of op, or all calls when op is empty.
func (s *Stub) Calls(op string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if op == "" || c.Operation == op {
			out = append(out, c)
		}
	}
	return out
}

func (s *Stub) Count(op string) int { return len(s.Calls(op)) }

// Operations lists the called operations in order.
func (s *Stub) Operations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ops := make([]string, len(s.calls))
	for i, c := range s.calls {
		ops[i] = c.Operation
	}
	return ops
}
