package gate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-zookeeper/zk"
	"go.uber.org/zap"
)

// ZooKeeperConfig holds the ZooKeeper ensemble settings.
type ZooKeeperConfig struct {
	Servers        []string      // e.g. "zk1:2181"
	SessionTimeout time.Duration // ephemeral records vanish this long after a lost session
}

// ZooKeeperGate is a Gate backed by a ZooKeeper session.
type ZooKeeperGate struct {
	conn      *zk.Conn
	log       *zap.Logger
	acl       []zk.ACL
	connected atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

var _ Gate = (*ZooKeeperGate)(nil)

// zkLogger routes the client's internal messages through zap.
type zkLogger struct {
	log *zap.SugaredLogger
}

func (l zkLogger) Printf(format string, args ...interface{}) {
	l.log.Debugf(format, args...)
}

// DialZooKeeper connects to the ensemble and waits until a session is established
// or ctx is done.
func DialZooKeeper(ctx context.Context, cfg ZooKeeperConfig, log *zap.Logger) (*ZooKeeperGate, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("gate: no zookeeper servers configured")
	}
	conn, events, err := zk.Connect(cfg.Servers, cfg.SessionTimeout, zk.WithLogger(zkLogger{log: log.Sugar()}))
	if err != nil {
		return nil, fmt.Errorf("gate: connect zookeeper: %w", err)
	}

	g := &ZooKeeperGate{
		conn: conn,
		log:  log,
		acl:  zk.WorldACL(zk.PermAll),
		done: make(chan struct{}),
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return nil, fmt.Errorf("gate: waiting for zookeeper session: %w", ctx.Err())
		case ev := <-events:
			g.observe(ev)
			if ev.State == zk.StateHasSession {
				go g.watchSession(events)
				return g, nil
			}
			if ev.State == zk.StateAuthFailed {
				conn.Close()
				return nil, errors.New("gate: zookeeper authentication failed")
			}
		}
	}
}

func (g *ZooKeeperGate) watchSession(events <-chan zk.Event) {
	for {
		select {
		case <-g.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			g.observe(ev)
		}
	}
}

func (g *ZooKeeperGate) observe(ev zk.Event) {
	if ev.Type != zk.EventSession {
		return
	}
	switch ev.State {
	case zk.StateHasSession:
		g.connected.Store(true)
		g.log.Info("coordination session established", zap.Int64("session", g.conn.SessionID()))
	case zk.StateExpired:
		g.connected.Store(false)
		g.log.Warn("coordination session expired")
	case zk.StateDisconnected:
		g.connected.Store(false)
		g.log.Warn("coordination connection lost", zap.String("server", ev.Server))
	default:
		g.log.Debug("coordination session event", zap.String("state", ev.State.String()))
	}
}

// mapError translates client errors into the gate's error set.
func mapError(err error, path string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, zk.ErrNodeExists):
		return fmt.Errorf("%w: %s", ErrNodeExists, path)
	case errors.Is(err, zk.ErrNoNode):
		return fmt.Errorf("%w: %s", ErrNoNode, path)
	case errors.Is(err, zk.ErrNotEmpty):
		return fmt.Errorf("%w: %s", ErrNotEmpty, path)
	case errors.Is(err, zk.ErrBadVersion):
		return fmt.Errorf("%w: %s", ErrBadVersion, path)
	case errors.Is(err, zk.ErrSessionExpired):
		return fmt.Errorf("%w: %s", ErrSessionExpired, path)
	case errors.Is(err, zk.ErrClosing):
		return fmt.Errorf("%w: %s", ErrClosed, path)
	case errors.Is(err, zk.ErrConnectionClosed), errors.Is(err, zk.ErrNoServer):
		return fmt.Errorf("%w: %s: %v", ErrConnectionLoss, path, err)
	}
	return fmt.Errorf("gate: %s: %w", path, err)
}

func flags(mode Mode) int32 {
	var f int32
	if mode.IsEphemeral() {
		f |= zk.FlagEphemeral
	}
	if mode.IsSequential() {
		f |= zk.FlagSequence
	}
	return f
}

func toRecord(path string, data []byte, stat *zk.Stat) *Record {
	return &Record{
		Path:           path,
		Payload:        data,
		Version:        stat.Version,
		EphemeralOwner: stat.EphemeralOwner,
		Created:        time.UnixMilli(stat.Ctime),
		Modified:       time.UnixMilli(stat.Mtime),
	}
}

func (g *ZooKeeperGate) CreatePath(ctx context.Context, path string, mode Mode) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	if mode.IsSequential() {
		return fmt.Errorf("gate: create path %s: mode %s not supported", path, mode)
	}
	if path == "/" {
		return nil
	}
	if err := ensureParents(ctx, g, path); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := g.conn.Create(path, nil, flags(mode), g.acl)
	if err == nil {
		return nil
	}
	if !errors.Is(err, zk.ErrNodeExists) {
		return mapError(err, path)
	}

	// Someone else created it first; only the mode decides whether that is fine.
	exists, stat, err := g.conn.Exists(path)
	if err != nil {
		return mapError(err, path)
	}
	if !exists {
		return g.CreatePath(ctx, path, mode)
	}
	if stat.EphemeralOwner == 0 && !mode.IsEphemeral() {
		return nil
	}
	if stat.EphemeralOwner == g.conn.SessionID() && mode.IsEphemeral() {
		return nil
	}
	return fmt.Errorf("%w: %w: %s", ErrNodeExists, ErrModeConflict, path)
}

func (g *ZooKeeperGate) CreateRecord(ctx context.Context, path string, mode Mode, payload []byte) (string, error) {
	if err := ValidatePath(path); err != nil {
		return "", err
	}
	if err := ensureParents(ctx, g, path); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	created, err := g.conn.Create(path, payload, flags(mode), g.acl)
	if err != nil {
		return "", mapError(err, path)
	}
	return created, nil
}

func (g *ZooKeeperGate) ReadRecord(ctx context.Context, path string) (*Record, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, stat, err := g.conn.Get(path)
	if err != nil {
		return nil, mapError(err, path)
	}
	return toRecord(path, data, stat), nil
}

func (g *ZooKeeperGate) WriteRecord(ctx context.Context, path string, payload []byte, version int32) (*Record, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stat, err := g.conn.Set(path, payload, version)
	if err != nil {
		return nil, mapError(err, path)
	}
	return toRecord(path, payload, stat), nil
}

func (g *ZooKeeperGate) Exists(ctx context.Context, path string) (bool, error) {
	if err := ValidatePath(path); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	exists, _, err := g.conn.Exists(path)
	if err != nil {
		return false, mapError(err, path)
	}
	return exists, nil
}

func (g *ZooKeeperGate) Delete(ctx context.Context, path string, version int32) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapError(g.conn.Delete(path, version), path)
}

func (g *ZooKeeperGate) DeleteTree(ctx context.Context, path string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	return deleteTree(ctx, g, path)
}

func (g *ZooKeeperGate) Children(ctx context.Context, path string) ([]string, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	children, _, err := g.conn.Children(path)
	if err != nil {
		return nil, mapError(err, path)
	}
	sort.Strings(children)
	return children, nil
}

func (g *ZooKeeperGate) SessionID() int64 {
	return g.conn.SessionID()
}

func (g *ZooKeeperGate) Connected() bool {
	return g.connected.Load()
}

// Close ends the session. Later calls are no-ops.
func (g *ZooKeeperGate) Close() error {
	g.closeOnce.Do(func() {
		close(g.done)
		g.connected.Store(false)
		g.conn.Close()
	})
	return nil
}
