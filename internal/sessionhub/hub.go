// Package sessionhub はセッション単位の変更通知（ログイン、ログアウト、表示名の更新）を
// 購読者に配送する。
//
// 購読者ごとに専用のgoroutineと順序付きのメールボックスを持つ。
// 購読直後には必ずResolverによる現在のユーザー（またはnil）が最初に配送され、
// 以降のPublishは発行順に配送される。
package sessionhub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/memberhub/internal/model"
)

// Resolver はセッションIDから現在のユーザーを解決する。
// セッションが存在しないか期限切れの場合は (nil, nil) を返す。
type Resolver func(ctx context.Context, sessionID string) (*model.User, error)

// Notification は1件のセッション変更通知を表す。
// Userがnilの場合は「サインアウト済み」を意味する。
type Notification struct {
	SessionID string      `json:"session_id"`
	User      *model.User `json:"user"`
}

// Broadcaster は通知を全インスタンスに配布する。
// 配布された通知は各インスタンスのHub.Deliverで配送される。
type Broadcaster interface {
	Broadcast(ctx context.Context, n Notification) error
}

// Recorder は配送件数を記録する。metrics.Collectorが実装する。
type Recorder interface {
	RecordSessionNotification(delivered int)
}

// 初回解決の再試行回数と、最初の再試行までの待ち時間（以降は倍々）。
const (
	defaultResolveAttempts = 3
	defaultResolveBackoff  = 100 * time.Millisecond
)

// Hub はセッション変更通知の購読を管理する。
type Hub struct {
	resolve         Resolver
	logger          *slog.Logger
	resolveAttempts int
	resolveBackoff  time.Duration

	mu     sync.Mutex
	subs   map[string]map[uint64]*subscriber
	nextID uint64

	broadcaster Broadcaster
	recorder    Recorder
}

// NewHub はHubを生成する。
func NewHub(resolve Resolver, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		resolve:         resolve,
		logger:          logger,
		resolveAttempts: defaultResolveAttempts,
		resolveBackoff:  defaultResolveBackoff,
		subs:            make(map[string]map[uint64]*subscriber),
	}
}

// SetBroadcaster はインスタンス間配布に使うBroadcasterを設定する。
// 未設定の場合、Publishはこのプロセス内の購読者にのみ配送する。
func (h *Hub) SetBroadcaster(b Broadcaster) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcaster = b
}

// SetRecorder は配送件数の記録先を設定する。
func (h *Hub) SetRecorder(r Recorder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recorder = r
}

// Subscribe はセッションの変更通知を購読する。
// fnは購読者専用のgoroutineから逐次呼ばれ、同時に呼ばれることはない。
// 返り値のunsubscribeは冪等で、戻った後にfnが呼ばれることはない。
// fnの中からunsubscribeを呼んではならない。
func (h *Hub) Subscribe(sessionID string, fn func(*model.User)) (unsubscribe func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscriber{
		sessionID: sessionID,
		fn:        fn,
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}

	h.mu.Lock()
	h.nextID++
	sub.id = h.nextID
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[uint64]*subscriber)
	}
	h.subs[sessionID][sub.id] = sub
	// 初回配送はResolverの結果。Publishより先にキューへ積む
	sub.enqueue(job{resolve: true})
	h.mu.Unlock()

	var resolve Resolver
	if h.resolve != nil {
		resolve = h.resolveWithRetry
	}
	go sub.run(resolve, h.logger)

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			if m := h.subs[sessionID]; m != nil {
				delete(m, sub.id)
				if len(m) == 0 {
					delete(h.subs, sessionID)
				}
			}
			h.mu.Unlock()
			sub.stop()
		})
	}
}

// resolveWithRetry はResolverを最大resolveAttempts回呼ぶ。
// 全て失敗した場合は最後のエラーを返し、購読者は未確定のまま残る。
func (h *Hub) resolveWithRetry(ctx context.Context, sessionID string) (*model.User, error) {
	backoff := h.resolveBackoff
	var err error
	for attempt := 1; ; attempt++ {
		var user *model.User
		user, err = h.resolve(ctx, sessionID)
		if err == nil {
			return user, nil
		}
		if attempt >= h.resolveAttempts {
			return nil, err
		}

		h.logger.Debug("retrying session resolve",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// Publish はセッションの変更を通知する。
// Broadcasterが設定されていればそれ経由で全インスタンスに配布する。
func (h *Hub) Publish(ctx context.Context, sessionID string, user *model.User) error {
	n := Notification{SessionID: sessionID, User: user.Clone()}

	h.mu.Lock()
	b := h.broadcaster
	h.mu.Unlock()

	if b != nil {
		return b.Broadcast(ctx, n)
	}
	h.Deliver(n)
	return nil
}

// Deliver は通知をこのプロセス内の購読者に配送する。
func (h *Hub) Deliver(n Notification) {
	h.mu.Lock()
	targets := h.subs[n.SessionID]
	for _, sub := range targets {
		sub.enqueue(job{user: n.User.Clone()})
	}
	delivered := len(targets)
	recorder := h.recorder
	h.mu.Unlock()

	if recorder != nil {
		recorder.RecordSessionNotification(delivered)
	}
}

// Subscribers は指定セッションの購読者数を返す。
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}

// job はメールボックスに積まれる1件の配送。
type job struct {
	resolve bool
	user    *model.User
}

type subscriber struct {
	id        uint64
	sessionID string
	fn        func(*model.User)

	qmu   sync.Mutex
	queue []job
	wake  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	// deliverMu はコールバック実行中にstopが戻らないことを保証する。
	deliverMu sync.Mutex
	closed    bool
}

func (s *subscriber) enqueue(j job) {
	s.qmu.Lock()
	s.queue = append(s.queue, j)
	s.qmu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) drain() []job {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	jobs := s.queue
	s.queue = nil
	return jobs
}

func (s *subscriber) run(resolve Resolver, logger *slog.Logger) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}

		for _, j := range s.drain() {
			user := j.user
			if j.resolve {
				if resolve == nil {
					continue
				}
				u, err := resolve(s.ctx, s.sessionID)
				if err != nil {
					// 解決できない場合は「未確定」のまま。サインアウト扱いにはしない
					if s.ctx.Err() == nil {
						logger.Warn("failed to resolve session",
							slog.String("error", err.Error()),
						)
					}
					continue
				}
				user = u
			}
			if !s.deliver(user) {
				return
			}
		}
	}
}

func (s *subscriber) deliver(user *model.User) bool {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.closed {
		return false
	}
	s.fn(user)
	return true
}

func (s *subscriber) stop() {
	s.cancel()
	s.deliverMu.Lock()
	s.closed = true
	s.deliverMu.Unlock()
}
