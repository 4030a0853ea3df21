package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gyrex/internal/constants"
	"gyrex/internal/gate"
	"gyrex/internal/models"
)

const (
	messagesDir   = "messages"
	claimsDir     = "claims"
	messagePrefix = "m-"
)

// storedMessage is the payload of a message record.
type storedMessage struct {
	Message    *models.EventMessage `json:"message"`
	Deliveries int                  `json:"deliveries"`
}

// claim is the payload of the ephemeral record a consumer holds while processing.
type claim struct {
	Consumer  string    `json:"consumer"`
	Token     string    `json:"token"`
	ClaimedAt time.Time `json:"claimedAt"`
	Attempt   int       `json:"attempt"`
}

// GateService keeps queues in the coordination tree. Messages are persistent
// sequential records; a consumer claims a message with an ephemeral record so the
// claim disappears when the consumer's session ends.
type GateService struct {
	gate         gate.Gate
	namespace    string
	consumerID   string
	pollInterval time.Duration
	logger       *zap.Logger
}

func NewGateService(g gate.Gate, namespace, consumerID string, logger *zap.Logger) *GateService {
	if namespace == "" {
		namespace = constants.DefaultNamespace
	}
	return &GateService{
		gate:         g,
		namespace:    namespace,
		consumerID:   consumerID,
		pollInterval: constants.DefaultPollInterval,
		logger:       logger,
	}
}

var _ Service = (*GateService)(nil)

func (s *GateService) path(id string) string {
	return gate.Join(s.namespace, constants.QueuesPath, id)
}

func (s *GateService) CreateQueue(ctx context.Context, id string, opts Options) (Queue, error) {
	if !models.ValidID(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidQueueID, id)
	}
	opts = opts.withDefaults()
	payload, err := json.Marshal(opts)
	if err != nil {
		return nil, err
	}

	path := s.path(id)
	if _, err := s.gate.CreateRecord(ctx, path, gate.Persistent, payload); err != nil && !errors.Is(err, gate.ErrNodeExists) {
		return nil, fmt.Errorf("create queue %s: %w", id, err)
	}
	for _, dir := range []string{messagesDir, claimsDir} {
		if err := s.gate.CreatePath(ctx, gate.Join(path, dir), gate.Persistent); err != nil {
			return nil, fmt.Errorf("create queue %s: %w", id, err)
		}
	}
	return s.GetQueue(ctx, id, opts)
}

func (s *GateService) GetQueue(ctx context.Context, id string, opts Options) (Queue, error) {
	if !models.ValidID(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidQueueID, id)
	}
	rec, err := s.gate.ReadRecord(ctx, s.path(id))
	if errors.Is(err, gate.ErrNoNode) {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if opts.VisibilityTimeout <= 0 && len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, &opts); err != nil {
			s.logger.Warn("ignoring malformed queue options", zap.String("queue", id), zap.Error(err))
		}
	}
	return &gateQueue{service: s, id: id, path: s.path(id), opts: opts.withDefaults()}, nil
}

func (s *GateService) DeleteQueue(ctx context.Context, id string) error {
	return s.gate.DeleteTree(ctx, s.path(id))
}

type gateQueue struct {
	service *GateService
	id      string
	path    string
	opts    Options
}

func (q *gateQueue) ID() string {
	return q.id
}

func (q *gateQueue) Send(ctx context.Context, msg *models.EventMessage) error {
	payload, err := json.Marshal(storedMessage{Message: msg})
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	path, err := q.service.gate.CreateRecord(ctx, gate.Join(q.path, messagesDir, messagePrefix), gate.PersistentSequential, payload)
	if errors.Is(err, gate.ErrNoNode) {
		return fmt.Errorf("%w: %s", ErrQueueNotFound, q.id)
	}
	if err != nil {
		return fmt.Errorf("send to queue %s: %w", q.id, err)
	}
	q.service.logger.Debug("message queued", zap.String("queue", q.id), zap.String("message", msg.ID), zap.String("path", path))
	return nil
}

func (q *gateQueue) Receive(ctx context.Context) (*Delivery, error) {
	return receive(ctx, q.service.pollInterval, q.TryReceive)
}

func (q *gateQueue) TryReceive(ctx context.Context) (*Delivery, error) {
	g := q.service.gate
	names, err := g.Children(ctx, gate.Join(q.path, messagesDir))
	if errors.Is(err, gate.ErrNoNode) {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, q.id)
	}
	if err != nil {
		return nil, err
	}

	for _, name := range names {
		d, err := q.claim(ctx, name)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
	}
	return nil, ErrQueueEmpty
}

// claim tries to take the message name. It returns nil without error when the message
// is taken by someone else or vanished.
func (q *gateQueue) claim(ctx context.Context, name string) (*Delivery, error) {
	g := q.service.gate
	claimPath := gate.Join(q.path, claimsDir, name)
	messagePath := gate.Join(q.path, messagesDir, name)

	existing, err := g.ReadRecord(ctx, claimPath)
	switch {
	case err == nil:
		var c claim
		if jsonErr := json.Unmarshal(existing.Payload, &c); jsonErr == nil && time.Since(c.ClaimedAt) < q.opts.VisibilityTimeout {
			return nil, nil
		}
		q.service.logger.Warn("claim expired, redelivering message",
			zap.String("queue", q.id), zap.String("message", name), zap.String("consumer", c.Consumer))
		if err := g.Delete(ctx, claimPath, existing.Version); err != nil {
			if errors.Is(err, gate.ErrNoNode) || errors.Is(err, gate.ErrBadVersion) {
				return nil, nil
			}
			return nil, err
		}
	case !errors.Is(err, gate.ErrNoNode):
		return nil, err
	}

	token := uuid.NewString()
	c := claim{Consumer: q.service.consumerID, Token: token, ClaimedAt: time.Now()}
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	if _, err := g.CreateRecord(ctx, claimPath, gate.Ephemeral, payload); err != nil {
		if errors.Is(err, gate.ErrNodeExists) {
			return nil, nil
		}
		return nil, err
	}

	msgRec, err := g.ReadRecord(ctx, messagePath)
	if errors.Is(err, gate.ErrNoNode) {
		// acknowledged by someone else between listing and claiming
		_ = g.Delete(ctx, claimPath, gate.AnyVersion)
		return nil, nil
	}
	if err != nil {
		_ = g.Delete(ctx, claimPath, gate.AnyVersion)
		return nil, err
	}

	var stored storedMessage
	if err := json.Unmarshal(msgRec.Payload, &stored); err != nil || stored.Message == nil {
		q.service.logger.Error("dropping malformed message", zap.String("queue", q.id), zap.String("message", name), zap.Error(err))
		_ = g.Delete(ctx, messagePath, gate.AnyVersion)
		_ = g.Delete(ctx, claimPath, gate.AnyVersion)
		return nil, nil
	}

	stored.Deliveries++
	c.Attempt = stored.Deliveries
	if updated, err := json.Marshal(stored); err == nil {
		if _, err := g.WriteRecord(ctx, messagePath, updated, msgRec.Version); err != nil {
			q.service.logger.Warn("failed to record delivery", zap.String("queue", q.id), zap.String("message", name), zap.Error(err))
		}
	}
	if updated, err := json.Marshal(c); err == nil {
		_, _ = g.WriteRecord(ctx, claimPath, updated, gate.AnyVersion)
	}

	return &Delivery{
		Message: stored.Message,
		Attempt: stored.Deliveries,
		ack: func(ctx context.Context) error {
			if err := q.checkClaim(ctx, claimPath, token); err != nil {
				return err
			}
			if err := g.Delete(ctx, messagePath, gate.AnyVersion); err != nil && !errors.Is(err, gate.ErrNoNode) {
				return fmt.Errorf("ack %s: %w", name, err)
			}
			if err := g.Delete(ctx, claimPath, gate.AnyVersion); err != nil && !errors.Is(err, gate.ErrNoNode) {
				return fmt.Errorf("ack %s: %w", name, err)
			}
			return nil
		},
		nack: func(ctx context.Context) error {
			if err := q.checkClaim(ctx, claimPath, token); err != nil {
				return err
			}
			if err := g.Delete(ctx, claimPath, gate.AnyVersion); err != nil && !errors.Is(err, gate.ErrNoNode) {
				return fmt.Errorf("nack %s: %w", name, err)
			}
			return nil
		},
	}, nil
}

func (q *gateQueue) checkClaim(ctx context.Context, claimPath, token string) error {
	rec, err := q.service.gate.ReadRecord(ctx, claimPath)
	if errors.Is(err, gate.ErrNoNode) {
		return ErrClaimLost
	}
	if err != nil {
		return err
	}
	var c claim
	if err := json.Unmarshal(rec.Payload, &c); err != nil || c.Token != token {
		return ErrClaimLost
	}
	return nil
}
