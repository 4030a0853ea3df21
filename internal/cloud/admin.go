package cloud

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"gyrex/internal/constants"
	"gyrex/internal/gate"
	"gyrex/internal/models"
)

var ErrNodeNotPending = errors.New("node is not pending approval")

// Admin performs the administrative side of membership.
type Admin struct {
	gate      gate.Gate
	namespace string
	logger    *zap.Logger
}

func NewAdmin(g gate.Gate, namespace string, logger *zap.Logger) *Admin {
	if namespace == "" {
		namespace = constants.DefaultNamespace
	}
	return &Admin{gate: g, namespace: namespace, logger: logger}
}

func (a *Admin) ListPending(ctx context.Context) ([]models.NodeInfo, error) {
	return a.list(ctx, constants.PendingPath, false)
}

func (a *Admin) ListApproved(ctx context.Context) ([]models.NodeInfo, error) {
	return a.list(ctx, constants.ApprovedPath, true)
}

func (a *Admin) ListOnline(ctx context.Context) ([]models.NodeInfo, error) {
	return a.list(ctx, constants.OnlinePath, true)
}

func (a *Admin) list(ctx context.Context, dir string, approved bool) ([]models.NodeInfo, error) {
	path := gate.Join(a.namespace, dir)
	ids, err := a.gate.Children(ctx, path)
	if errors.Is(err, gate.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}

	nodes := make([]models.NodeInfo, 0, len(ids))
	for _, id := range ids {
		rec, err := a.gate.ReadRecord(ctx, gate.Join(path, id))
		if errors.Is(err, gate.ErrNoNode) {
			continue
		}
		if err != nil {
			return nil, err
		}
		info, err := models.ParseNodeInfo(id, rec.Payload, approved)
		if err != nil {
			a.logger.Warn("skipping malformed node record", zap.String("node", id), zap.Error(err))
			continue
		}
		nodes = append(nodes, info)
	}
	return nodes, nil
}

// Approve promotes a pending node. The pending node goes online on its next poll.
func (a *Admin) Approve(ctx context.Context, id string) (models.NodeInfo, error) {
	rec, err := a.gate.ReadRecord(ctx, gate.Join(a.namespace, constants.PendingPath, id))
	if errors.Is(err, gate.ErrNoNode) {
		return models.NodeInfo{}, fmt.Errorf("%w: %s", ErrNodeNotPending, id)
	}
	if err != nil {
		return models.NodeInfo{}, err
	}
	info, err := models.ParseNodeInfo(id, rec.Payload, true)
	if err != nil {
		return models.NodeInfo{}, err
	}
	payload, err := info.Marshal()
	if err != nil {
		return models.NodeInfo{}, err
	}

	approvedPath := gate.Join(a.namespace, constants.ApprovedPath, id)
	if _, err := a.gate.CreateRecord(ctx, approvedPath, gate.Persistent, payload); err != nil {
		if !errors.Is(err, gate.ErrNodeExists) {
			return models.NodeInfo{}, fmt.Errorf("create approved record: %w", err)
		}
		if _, err := a.gate.WriteRecord(ctx, approvedPath, payload, gate.AnyVersion); err != nil {
			return models.NodeInfo{}, err
		}
	}
	a.logger.Info("node approved", zap.String("node", id), zap.String("location", info.Location))
	return info, nil
}

// Retire revokes the approval of a node and drops it from the online set. A running
// node notices the missing record and falls back to pending.
func (a *Admin) Retire(ctx context.Context, id string) error {
	for _, dir := range []string{constants.ApprovedPath, constants.OnlinePath} {
		err := a.gate.Delete(ctx, gate.Join(a.namespace, dir, id), gate.AnyVersion)
		if err != nil && !errors.Is(err, gate.ErrNoNode) {
			return fmt.Errorf("retire %s: %w", id, err)
		}
	}
	a.logger.Info("node retired", zap.String("node", id))
	return nil
}
