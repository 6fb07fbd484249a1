// Package authstate はリクエスト単位の認証状態（現在のユーザーと読み込み中フラグ）を管理する。
//
// Providerはセッションの変更通知を購読し、最初の通知を受け取るまではloadingを保つ。
// 以降は通知ごとに現在のユーザーを置き換える。操作（ログイン、ログアウト等）は
// Storeにそのまま委譲し、エラーは加工せずに呼び出し元へ返す。
package authstate

import (
	"context"
	"sync"

	"github.com/hitoshi/memberhub/internal/model"
)

// Store はProviderが使うセッションストアの操作。auth.Serviceが実装する。
type Store interface {
	Subscribe(sessionID string, fn func(*model.User)) (unsubscribe func())
	CreateAccount(ctx context.Context, email, password string) (*model.Session, error)
	SignIn(ctx context.Context, email, password string) (*model.Session, error)
	ProviderEnabled() bool
	GetLoginURL(state string) string
	HandleCallback(ctx context.Context, code string) (*model.Session, error)
	SignOut(ctx context.Context, sessionID string) error
	SendPasswordReset(ctx context.Context, email string) error
	UpdateDisplayName(ctx context.Context, userID, displayName string) (*model.User, error)
}

// Provider は1つのセッションに対する認証状態を保持する。
type Provider struct {
	store Store

	mu          sync.Mutex
	sessionID   string
	user        *model.User
	loading     bool
	ready       chan struct{}
	unsubscribe func()
	generation  uint64
	watchers    map[uint64]func(*model.User)
	nextWatcher uint64
}

// NewProvider はProviderを生成する。sessionIDが空の場合は未ログインのセッションとして扱う。
func NewProvider(store Store, sessionID string) *Provider {
	return &Provider{
		store:     store,
		sessionID: sessionID,
		loading:   true,
		ready:     make(chan struct{}),
		watchers:  make(map[uint64]func(*model.User)),
	}
}

// Mount はセッションの変更通知を購読する。購読中の場合は何もしない。
func (p *Provider) Mount() {
	p.mu.Lock()
	if p.unsubscribe != nil {
		p.mu.Unlock()
		return
	}
	p.generation++
	gen := p.generation
	sessionID := p.sessionID
	p.mu.Unlock()

	unsubscribe := p.store.Subscribe(sessionID, func(u *model.User) {
		p.receive(gen, u)
	})

	p.mu.Lock()
	if p.generation != gen {
		// 購読の確立中にUnmountされた
		p.mu.Unlock()
		unsubscribe()
		return
	}
	p.unsubscribe = unsubscribe
	p.mu.Unlock()
}

// Unmount は購読を解除する。複数回呼んでもよい。
func (p *Provider) Unmount() {
	p.mu.Lock()
	unsubscribe := p.unsubscribe
	p.unsubscribe = nil
	p.generation++
	p.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// receive は通知を反映する。古い購読からの通知は無視する。
func (p *Provider) receive(gen uint64, u *model.User) {
	p.mu.Lock()
	if gen != p.generation {
		p.mu.Unlock()
		return
	}
	p.user = u.Clone()
	if p.loading {
		p.loading = false
		close(p.ready)
	}
	watchers := make([]func(*model.User), 0, len(p.watchers))
	for _, fn := range p.watchers {
		watchers = append(watchers, fn)
	}
	p.mu.Unlock()

	for _, fn := range watchers {
		fn(u.Clone())
	}
}

// Wait は最初の通知を受け取るか、ctxが終了するまで待つ。
func (p *Provider) Wait(ctx context.Context) error {
	p.mu.Lock()
	ready := p.ready
	p.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CurrentUser は現在のユーザーのコピーを返す。未ログインまたは読み込み中の場合はnil。
func (p *Provider) CurrentUser() *model.User {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.user.Clone()
}

// Loading は最初の通知をまだ受け取っていないかを返す。
func (p *Provider) Loading() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loading
}

// SessionID は現在のセッションIDを返す。
func (p *Provider) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// Watch は以降の通知ごとにfnを呼ぶ。fnは購読のgoroutineから呼ばれる。
// 返り値の関数で登録を解除する。
func (p *Provider) Watch(fn func(*model.User)) (cancel func()) {
	p.mu.Lock()
	id := p.nextWatcher
	p.nextWatcher++
	p.watchers[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.watchers, id)
		p.mu.Unlock()
	}
}

// switchSession は新しいセッションに購読を張り替える。
func (p *Provider) switchSession(sessionID string) {
	p.Unmount()

	p.mu.Lock()
	p.sessionID = sessionID
	p.user = nil
	if !p.loading {
		p.loading = true
		p.ready = make(chan struct{})
	}
	p.mu.Unlock()

	p.Mount()
}

// Signup はアカウントを作成し、新しいセッションに切り替える。
func (p *Provider) Signup(ctx context.Context, email, password string) (*model.Session, error) {
	session, err := p.store.CreateAccount(ctx, email, password)
	if err != nil {
		return nil, err
	}
	p.switchSession(session.ID)
	return session, nil
}

// Login はメールアドレスとパスワードでログインし、新しいセッションに切り替える。
func (p *Provider) Login(ctx context.Context, email, password string) (*model.Session, error) {
	session, err := p.store.SignIn(ctx, email, password)
	if err != nil {
		return nil, err
	}
	p.switchSession(session.ID)
	return session, nil
}

// ProviderEnabled はGoogleサインインが使えるかを返す。
func (p *Provider) ProviderEnabled() bool {
	return p.store.ProviderEnabled()
}

// ProviderLoginURL はGoogleサインインの開始URLを返す。
func (p *Provider) ProviderLoginURL(state string) string {
	return p.store.GetLoginURL(state)
}

// CompleteProviderLogin はGoogleからのコールバックを処理し、新しいセッションに切り替える。
func (p *Provider) CompleteProviderLogin(ctx context.Context, code string) (*model.Session, error) {
	session, err := p.store.HandleCallback(ctx, code)
	if err != nil {
		return nil, err
	}
	p.switchSession(session.ID)
	return session, nil
}

// Logout は現在のセッションを破棄する。
// 現在のユーザーはストアからの通知で未ログインに置き換わる。
func (p *Provider) Logout(ctx context.Context) error {
	sessionID := p.SessionID()
	if sessionID == "" {
		return nil
	}
	return p.store.SignOut(ctx, sessionID)
}

// ResetPassword はパスワード再設定メールを要求する。
func (p *Provider) ResetPassword(ctx context.Context, email string) error {
	return p.store.SendPasswordReset(ctx, email)
}

// UpdateUserProfile は表示名を更新する。未ログインの場合は何もしない。
// 成功時は保持しているユーザーを更新後のものに置き換える。
func (p *Provider) UpdateUserProfile(ctx context.Context, displayName string) error {
	p.mu.Lock()
	user := p.user
	gen := p.generation
	p.mu.Unlock()

	if user == nil {
		return nil
	}

	updated, err := p.store.UpdateDisplayName(ctx, user.ID, displayName)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.generation == gen && p.user != nil && p.user.ID == updated.ID {
		p.user = updated.Clone()
	}
	p.mu.Unlock()
	return nil
}
