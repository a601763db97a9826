// internal/bridge/correlator.go
package bridge

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette-cli/internal/bridge/protocol"
)

// outcome is the single terminal result of a pending request: exactly one of
// result or err is meaningful.
type outcome struct {
	result json.RawMessage
	err    error
}

// pendingRequest parks one in-flight call until the receive loop resolves it
// or the caller's deadline removes it. The done channel has capacity one, so
// the resolving side never blocks.
type pendingRequest struct {
	id       string
	issuedAt time.Time
	done     chan outcome
}

// correlator owns the id -> pendingRequest map. It is the only shared mutable
// structure between callers and the receive loop, and its mutex is the sole
// synchronization boundary: once an entry leaves the map nothing can resolve
// it, which is what makes each call's terminal outcome exclusive.
type correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
	logger  *zap.Logger
}

func newCorrelator(logger *zap.Logger) *correlator {
	return &correlator{
		pending: make(map[string]*pendingRequest),
		logger:  logger.Named("correlator"),
	}
}

// register parks a waiter for the given id. Ids are process-unique, so a
// collision indicates a caller bug; the old waiter wins and the new
// registration fails.
func (c *correlator) register(id string) (*pendingRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.pending[id]; exists {
		return nil, false
	}
	pr := &pendingRequest{
		id:       id,
		issuedAt: time.Now(),
		done:     make(chan outcome, 1),
	}
	c.pending[id] = pr
	return pr, true
}

// remove deletes a waiter without resolving it. Used when the caller has
// already taken a terminal outcome (timeout, cancellation, send failure); a
// frame arriving afterwards finds no entry and is dropped.
func (c *correlator) remove(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// resolve hands an inbound response to its waiter. It reports false when no
// waiter exists, which the receive loop logs and otherwise ignores: the
// caller already received a terminal outcome, so a late frame is not an
// error.
func (c *correlator) resolve(msg protocol.Message) bool {
	c.mu.Lock()
	pr, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("Dropping response with no pending request",
			zap.String("id", msg.ID))
		return false
	}

	if msg.Err != nil {
		pr.done <- outcome{err: msg.Err}
	} else {
		pr.done <- outcome{result: msg.Result}
	}
	return true
}

// failAll terminates every outstanding request with the same error. Called on
// disconnect and on connection loss, after which no stray frame can resolve
// anything: the map is empty.
func (c *correlator) failAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for _, pr := range pending {
		pr.done <- outcome{err: err}
	}
	if len(pending) > 0 {
		c.logger.Debug("Failed all pending requests",
			zap.Int("count", len(pending)), zap.Error(err))
	}
}

// size reports the number of outstanding requests.
func (c *correlator) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
