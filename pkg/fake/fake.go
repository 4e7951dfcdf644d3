// Package fake holds in-memory stand-ins for the AWS APIs a host is driven through.
// State changes are immediate, so SDK waiters succeed on their first attempt.
package fake

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/aws/smithy-go"
)

// Calls records the mutating calls made against the fakes and hands out injected errors
type Calls struct {
	mu       sync.Mutex
	log      []string
	injected map[string][]error
}

func NewCalls() *Calls {
	return &Calls{injected: map[string][]error{}}
}

// Inject makes the next times calls of op fail with err
func (c *Calls) Inject(op string, err error, times int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for range times {
		c.injected[op] = append(c.injected[op], err)
	}
}

// List returns the mutating calls in the order they were made
func (c *Calls) List() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.log)
}

// Count returns how many mutating calls start with any of prefixes
func (c *Calls) Count(prefixes ...string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, op := range c.log {
		if slices.ContainsFunc(prefixes, func(p string) bool { return strings.HasPrefix(op, p) }) {
			count++
		}
	}
	return count
}

// Reset forgets recorded calls
func (c *Calls) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = nil
}

// check returns the next injected error for op
func (c *Calls) check(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	queue := c.injected[op]
	if len(queue) == 0 {
		return nil
	}
	c.injected[op] = queue[1:]
	return queue[0]
}

// record logs a mutating call and returns the next injected error for it
func (c *Calls) record(op string) error {
	if err := c.check(op); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, op)
	return nil
}

// APIError builds an error carrying an AWS error code the way the SDK surfaces it
func APIError(code, format string, args ...any) error {
	return &smithy.GenericAPIError{Code: code, Message: fmt.Sprintf(format, args...), Fault: smithy.FaultClient}
}

type idGen struct {
	counters map[string]int
}

func (g *idGen) next(prefix string) string {
	if g.counters == nil {
		g.counters = map[string]int{}
	}
	g.counters[prefix]++
	return fmt.Sprintf("%s-%017x", prefix, g.counters[prefix])
}
