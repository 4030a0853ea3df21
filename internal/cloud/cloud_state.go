package cloud

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"gyrex/internal/constants"
	"gyrex/internal/gate"
	"gyrex/internal/models"
)

type State int

const (
	Uninitialized State = iota
	Pending
	Online
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Pending:
		return "pending"
	case Online:
		return "online"
	}
	return "unknown"
}

// FatalStateError reports a membership condition the node cannot recover from by
// retrying, e.g. a second process running with the same node id.
type FatalStateError struct {
	NodeID string
	Reason string
}

func (e *FatalStateError) Error() string {
	return fmt.Sprintf("fatal cloud state for node %s: %s", e.NodeID, e.Reason)
}

// ErrApprovalRevoked is returned by Monitor when an online node lost its approval and
// fell back to pending. Work that requires an approved node must stop.
var ErrApprovalRevoked = errors.New("node approval was revoked")

func IsFatal(err error) bool {
	var fatal *FatalStateError
	return errors.As(err, &fatal)
}

// CloudState drives the membership of this node: UNINITIALIZED -> PENDING -> ONLINE.
type CloudState struct {
	gate      gate.Gate
	namespace string
	nodeID    string
	location  string
	logger    *zap.Logger

	mu    sync.Mutex
	state State
	info  models.NodeInfo
}

func NewCloudState(g gate.Gate, namespace, nodeID, location string, logger *zap.Logger) (*CloudState, error) {
	if !models.ValidID(nodeID) {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidNodeID, nodeID)
	}
	if namespace == "" {
		namespace = constants.DefaultNamespace
	}
	return &CloudState{
		gate:      g,
		namespace: namespace,
		nodeID:    nodeID,
		location:  location,
		logger:    logger.With(zap.String("node", nodeID)),
		info:      models.NodeInfo{ID: nodeID, Location: location},
	}, nil
}

func (c *CloudState) approvedPath() string {
	return gate.Join(c.namespace, constants.ApprovedPath, c.nodeID)
}

func (c *CloudState) pendingPath() string {
	return gate.Join(c.namespace, constants.PendingPath, c.nodeID)
}

func (c *CloudState) onlineDir() string {
	return gate.Join(c.namespace, constants.OnlinePath)
}

func (c *CloudState) onlinePath() string {
	return gate.Join(c.onlineDir(), c.nodeID)
}

func (c *CloudState) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *CloudState) NodeInfo() models.NodeInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// RegisterNode joins the cluster. An approved node goes online right away, any other
// node publishes an ephemeral pending record and waits for an administrator.
func (c *CloudState) RegisterNode(ctx context.Context) (models.NodeInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.gate.ReadRecord(ctx, c.approvedPath())
	switch {
	case err == nil:
		info, err := models.ParseNodeInfo(c.nodeID, rec.Payload, true)
		if err != nil {
			return models.NodeInfo{}, err
		}
		c.info = info
		if err := c.goOnlineLocked(ctx); err != nil {
			return models.NodeInfo{}, err
		}
		return c.info, nil
	case !errors.Is(err, gate.ErrNoNode):
		return models.NodeInfo{}, fmt.Errorf("read approved record: %w", err)
	}

	c.info = models.NodeInfo{ID: c.nodeID, Location: c.location}
	payload, err := c.info.Marshal()
	if err != nil {
		return models.NodeInfo{}, err
	}
	if _, err := c.gate.CreateRecord(ctx, c.pendingPath(), gate.Ephemeral, payload); err != nil {
		if !errors.Is(err, gate.ErrNodeExists) {
			return models.NodeInfo{}, fmt.Errorf("create pending record: %w", err)
		}
		if err := c.checkOwnedLocked(ctx, c.pendingPath()); err != nil {
			return models.NodeInfo{}, err
		}
	}
	c.state = Pending
	c.logger.Info("node registered, waiting for approval", zap.String("location", c.location))
	return c.info, nil
}

// checkOwnedLocked fails with a FatalStateError unless the record at path belongs to
// this session.
func (c *CloudState) checkOwnedLocked(ctx context.Context, path string) error {
	rec, err := c.gate.ReadRecord(ctx, path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if rec.EphemeralOwner != c.gate.SessionID() {
		return &FatalStateError{NodeID: c.nodeID, Reason: "another process is registered with the same node id"}
	}
	return nil
}

// GoOnline moves an approved node into the online set.
func (c *CloudState) GoOnline(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.goOnlineLocked(ctx)
}

func (c *CloudState) goOnlineLocked(ctx context.Context) error {
	rec, err := c.gate.ReadRecord(ctx, c.approvedPath())
	if errors.Is(err, gate.ErrNoNode) {
		return &FatalStateError{NodeID: c.nodeID, Reason: "node is not approved"}
	}
	if err != nil {
		return fmt.Errorf("read approved record: %w", err)
	}
	info, err := models.ParseNodeInfo(c.nodeID, rec.Payload, true)
	if err != nil {
		return err
	}

	// concurrent nodes may race to create the container
	if err := c.gate.CreatePath(ctx, c.onlineDir(), gate.Persistent); err != nil && !errors.Is(err, gate.ErrNodeExists) {
		return fmt.Errorf("create online path: %w", err)
	}

	payload, err := info.Marshal()
	if err != nil {
		return err
	}
	if _, err := c.gate.CreateRecord(ctx, c.onlinePath(), gate.Ephemeral, payload); err != nil {
		if !errors.Is(err, gate.ErrNodeExists) {
			return fmt.Errorf("create online record: %w", err)
		}
		existing, readErr := c.gate.ReadRecord(ctx, c.onlinePath())
		if readErr != nil || existing.EphemeralOwner != c.gate.SessionID() {
			return &FatalStateError{NodeID: c.nodeID, Reason: "node is already online in another process"}
		}
	}

	if err := c.gate.Delete(ctx, c.pendingPath(), gate.AnyVersion); err != nil && !errors.Is(err, gate.ErrNoNode) {
		c.logger.Warn("failed to remove pending record", zap.Error(err))
	}

	c.info = info
	c.state = Online
	c.logger.Info("node online", zap.String("location", info.Location))
	return nil
}

// UnregisterNode removes the records of this node. Records owned by other sessions
// are left alone.
func (c *CloudState) UnregisterNode(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, path := range []string{c.onlinePath(), c.pendingPath()} {
		if err := c.deleteOwnedLocked(ctx, path); err != nil {
			errs = append(errs, err)
		}
	}
	c.state = Uninitialized
	c.logger.Info("node unregistered")
	return errors.Join(errs...)
}

func (c *CloudState) deleteOwnedLocked(ctx context.Context, path string) error {
	rec, err := c.gate.ReadRecord(ctx, path)
	if errors.Is(err, gate.ErrNoNode) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if rec.EphemeralOwner != c.gate.SessionID() {
		return nil
	}
	if err := c.gate.Delete(ctx, path, rec.Version); err != nil && !errors.Is(err, gate.ErrNoNode) {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// AwaitApproval polls the approved record while the node is pending and takes it
// online once an administrator approved it. A pending record lost with an expired
// session is published again so administrators can still see the node.
func (c *CloudState) AwaitApproval(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if c.State() != Pending {
			return nil
		}
		if err := c.await(ctx); err != nil {
			if IsFatal(err) || !gate.IsRetryable(err) {
				return err
			}
			c.logger.Warn("approval check failed", zap.Error(err))
		}
		if c.State() == Online {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *CloudState) await(ctx context.Context) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	if c.State() != Pending {
		return nil
	}
	approved, err := c.gate.Exists(ctx, c.approvedPath())
	if err != nil {
		return err
	}
	if approved {
		return c.GoOnline(ctx)
	}
	return nil
}

// Monitor re-registers the node when its membership record vanished, which happens
// after the coordination session expired and a new one was established. It returns
// on fatal errors, with ErrApprovalRevoked when an online node came back as pending,
// or when ctx is done.
func (c *CloudState) Monitor(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := c.check(ctx); err != nil {
			if IsFatal(err) || errors.Is(err, ErrApprovalRevoked) {
				return err
			}
			c.logger.Warn("membership check failed", zap.Error(err))
		}
	}
}

func (c *CloudState) check(ctx context.Context) error {
	var path string
	previous := c.State()
	switch previous {
	case Online:
		path = c.onlinePath()
	case Pending:
		path = c.pendingPath()
	default:
		return nil
	}

	exists, err := c.gate.Exists(ctx, path)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	c.logger.Warn("membership record lost, registering again", zap.String("path", path))
	if _, err := c.RegisterNode(ctx); err != nil {
		return err
	}
	if previous == Online && c.State() == Pending {
		return fmt.Errorf("%w: %s", ErrApprovalRevoked, c.nodeID)
	}
	return nil
}
