// Package mock provides a test double for the oracle.Oracle interface.
//
// Queue responses before the test and inspect Calls afterwards:
//
//	o := &mock.Oracle{Responses: []string{`{"action_type":"move"}`}}
//	got, err := o.Generate(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/arkhamlabs/keeperd/pkg/oracle"
)

// Call records a single invocation of Generate.
type Call struct {
	Ctx context.Context
	Req oracle.Request
}

// Oracle is a mock implementation of oracle.Oracle. Responses are consumed
// in order; once exhausted the last one repeats. Set Err to fail every call.
type Oracle struct {
	mu sync.Mutex

	// Responses is the queue of texts returned by Generate.
	Responses []string

	// RespondFunc, when set, overrides Responses entirely.
	RespondFunc func(req oracle.Request) (string, error)

	// Err, if non-nil, is returned by every Generate call.
	Err error

	// Calls records every invocation in order.
	Calls []Call

	next int
}

var _ oracle.Oracle = (*Oracle)(nil)

// Generate records the call and returns the next queued response.
func (o *Oracle) Generate(ctx context.Context, req oracle.Request) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Calls = append(o.Calls, Call{Ctx: ctx, Req: req})
	if o.Err != nil {
		return "", o.Err
	}
	if o.RespondFunc != nil {
		return o.RespondFunc(req)
	}
	if len(o.Responses) == 0 {
		return "", nil
	}
	resp := o.Responses[min(o.next, len(o.Responses)-1)]
	o.next++
	return resp, nil
}

// Reset clears recorded calls and rewinds the response queue.
func (o *Oracle) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Calls = nil
	o.next = 0
}
