// Package controller implements a simulated device controller and exposes it
// to clients as the "device_controller" namespace.
//
// The controller keeps its node registry in storage, walks the commissioning
// state machine (IDLE, RENDEZVOUS_ONGOING, RENDEZVOUS_CONNECTED, back to
// IDLE) and serves attribute reads and writes against the stored nodes.
// Slow operations run on an executor and are returned to the dispatcher as
// pending results.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/tsarna/chipws/pkg/chipws/dispatch"
	"github.com/tsarna/chipws/pkg/chipws/storage"
)

// NamespaceName is the namespace clients address the controller by.
const NamespaceName = "device_controller"

// State is the controller's discrete state.
type State int

const (
	StateNotInitialized State = iota
	StateIdle
	StateBLEReady
	StateRendezvousOngoing
	StateRendezvousConnected
)

// StateLabels names each State for start_listening.
var StateLabels = map[int]string{
	int(StateNotInitialized):      "NOT_INITIALIZED",
	int(StateIdle):                "IDLE",
	int(StateBLEReady):            "BLE_READY",
	int(StateRendezvousOngoing):   "RENDEZVOUS_ONGOING",
	int(StateRendezvousConnected): "RENDEZVOUS_CONNECTED",
}

func (s State) String() string {
	if label, ok := StateLabels[int(s)]; ok {
		return label
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Error codes returned to clients as dispatch.DomainError.
const (
	ErrCodeBusy                 = "BUSY"
	ErrCodeNotInitialized       = "NOT_INITIALIZED"
	ErrCodeNodeNotFound         = "NODE_NOT_FOUND"
	ErrCodeInvalidSetupCode     = "INVALID_SETUP_CODE"
	ErrCodeUnsupportedAttribute = "UNSUPPORTED_ATTRIBUTE"
	ErrCodeUnsupportedWrite     = "UNSUPPORTED_WRITE"
	ErrCodeConstraintError      = "CONSTRAINT_ERROR"
)

const (
	DefaultCommissionDelay = 500 * time.Millisecond

	DefaultVendorID  uint16 = 0xFFF1
	DefaultProductID uint16 = 0x8000
)

// Builder provides a fluent interface for creating a Controller.
type Builder struct {
	store           *storage.Store
	logger          *zap.Logger
	executor        dispatch.Executor
	commissionDelay time.Duration
}

func New() *Builder {
	return &Builder{commissionDelay: DefaultCommissionDelay}
}

// WithStore sets the node registry. Required.
func (b *Builder) WithStore(store *storage.Store) *Builder {
	b.store = store
	return b
}

func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithExecutor sets where asynchronous operations run. Without one each
// runs on its own goroutine.
func (b *Builder) WithExecutor(executor dispatch.Executor) *Builder {
	b.executor = executor
	return b
}

// WithCommissionDelay sets how long each simulated rendezvous phase takes.
func (b *Builder) WithCommissionDelay(d time.Duration) *Builder {
	if d >= 0 {
		b.commissionDelay = d
	}
	return b
}

func (b *Builder) IsValid() error {
	if b.store == nil {
		return errors.New("invalid controller configuration, missing: [Store]")
	}
	return nil
}

// Build loads the fabric id from storage and returns an IDLE controller.
func (b *Builder) Build() (*Controller, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	fabricID, err := b.store.FabricID()
	if err != nil {
		return nil, errors.Wrap(err, "set up controller")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		store:           b.store,
		logger:          logger,
		executor:        b.executor,
		commissionDelay: b.commissionDelay,
		fabricID:        fabricID,
		ctx:             ctx,
		cancel:          cancel,
		state:           StateIdle,
	}

	logger.Info("Controller ready", zap.Uint64("fabric_id", fabricID))
	return c, nil
}

// Controller is safe for concurrent use by many sessions.
type Controller struct {
	store           *storage.Store
	logger          *zap.Logger
	executor        dispatch.Executor
	commissionDelay time.Duration
	fabricID        uint64

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	state  State
	closed bool
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) FabricID() uint64 {
	return c.fabricID
}

// Shutdown stops in-flight operations and returns the controller to
// NOT_INITIALIZED. Further calls fail with NOT_INITIALIZED.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.state = StateNotInitialized
	c.cancel()
	c.logger.Info("Controller shut down")
}

// transition moves to next if the current state is one of from, otherwise
// it fails with BUSY.
func (c *Controller) transition(next State, from ...State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return dispatch.NewDomainError(ErrCodeNotInitialized)
	}
	if !lo.Contains(from, c.state) {
		return errors.Wrapf(dispatch.NewDomainError(ErrCodeBusy), "controller is %s", c.state)
	}
	c.logger.Debug("Controller state change", zap.Stringer("from", c.state), zap.Stringer("to", next))
	c.state = next
	return nil
}

// setState is a no-op once the controller is shut down.
func (c *Controller) setState(next State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.logger.Debug("Controller state change", zap.Stringer("from", c.state), zap.Stringer("to", next))
	c.state = next
}

func (c *Controller) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return dispatch.NewDomainError(ErrCodeNotInitialized)
	}
	return nil
}

// sleep waits d, returning false if the controller shuts down first.
func (c *Controller) sleep(d time.Duration) bool {
	if d <= 0 {
		return c.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func nodeNotFound(id uint64) error {
	return errors.Wrapf(dispatch.NewDomainError(ErrCodeNodeNotFound), "node %d", id)
}

func (c *Controller) node(id uint64) (storage.NodeRecord, error) {
	n, err := c.store.GetNode(id)
	if errors.Is(err, storage.ErrNodeNotFound) {
		return n, nodeNotFound(id)
	}
	return n, err
}
