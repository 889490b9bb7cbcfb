package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"RehabSessionHub/internal/logger"
	"RehabSessionHub/internal/module"
)

const defaultStoreTimeout = 5 * time.Second

// Option 协调器选项
type Option func(*Coordinator)

// WithStoreTimeout 设置单次存储调用的超时
func WithStoreTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.storeTimeout = d
		}
	}
}

// WithClock 替换时间源（测试用）
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// Coordinator 会话生命周期协调器
//
// 进程内唯一的活动会话槽位由 mu 串行化所有修改操作；读取通过原子指针完成，
// 不会被正在等待存储的写操作阻塞。每次状态迁移都先写存储再更新槽位。
type Coordinator struct {
	store    Store
	registry *module.Registry

	mu   sync.Mutex
	slot atomic.Pointer[View]

	events       *notifier
	storeTimeout time.Duration
	now          func() time.Time
}

// NewCoordinator 创建协调器
func NewCoordinator(store Store, registry *module.Registry, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:        store,
		registry:     registry,
		events:       newNotifier(),
		storeTimeout: defaultStoreTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CurrentSession 读取当前槽位，不访问存储
func (c *Coordinator) CurrentSession() (*View, bool) {
	v := c.slot.Load()
	return v, v != nil
}

// Snapshot 当前槽位的快照事件，供新订阅者初始化
func (c *Coordinator) Snapshot() Event {
	return Event{Type: EventSnapshot, Session: c.slot.Load(), Timestamp: c.now().UTC()}
}

// Subscribe 订阅槽位变化事件，返回的函数用于取消订阅
func (c *Coordinator) Subscribe(buffer int) (<-chan Event, func()) {
	return c.events.subscribe(buffer)
}

// Create 创建新会话并占用槽位
func (c *Coordinator) Create(ctx context.Context, ownerID string, moduleID module.ID, patient PatientInfo, rawParams json.RawMessage) (*View, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if active := c.slot.Load(); active != nil {
		return nil, fmt.Errorf("%w (session %s)", ErrSessionAlreadyActive, active.ID)
	}

	ownerID = strings.TrimSpace(ownerID)
	if err := c.checkUser(ctx, ownerID); err != nil {
		return nil, err
	}

	patient, err := normalizePatient(patient)
	if err != nil {
		return nil, err
	}

	params, err := c.registry.ParseParams(moduleID, rawParams)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}

	sess := &Session{
		Date:    c.now().UTC(),
		Status:  StatusRunning,
		OwnerID: ownerID,
		Module:  moduleID,
		Patient: patient,
	}

	sctx, cancel := c.storeCtx(ctx)
	defer cancel()

	id, err := c.store.CreateSession(sctx, sess)
	if err != nil {
		return nil, storeErr("create session", err)
	}
	sess.ID = id

	if err := c.store.CreateModuleRecord(sctx, ModuleRecord{
		Kind:      KindParams,
		Module:    moduleID,
		SessionID: id,
		Data:      data,
		CreatedAt: sess.Date,
	}); err != nil {
		c.rollbackCreate(ctx, id)
		return nil, storeErr("create params", err)
	}

	view := &View{Session: *sess, Params: params}
	c.slot.Store(view)
	c.publish(EventCreated, view)

	logger.LogSuccess("session", fmt.Sprintf("session created: module=%s owner=%s", moduleID, ownerID), id)
	return view, nil
}

// Pause 暂停运行中的会话
func (c *Coordinator) Pause(ctx context.Context, sessionID string) (*View, error) {
	return c.transition(ctx, sessionID, StatusRunning, StatusPaused, EventPaused)
}

// Resume 恢复已暂停的会话
func (c *Coordinator) Resume(ctx context.Context, sessionID string) (*View, error) {
	return c.transition(ctx, sessionID, StatusPaused, StatusRunning, EventResumed)
}

// End 结束会话并释放槽位；只有存储写入成功后才清空槽位
func (c *Coordinator) End(ctx context.Context, sessionID string) (*View, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	active, err := c.activeFor(sessionID)
	if err != nil {
		return nil, err
	}
	if err := c.saveStatus(ctx, active.ID, StatusEnded); err != nil {
		return nil, err
	}

	ended := active.withStatus(StatusEnded)
	c.slot.Store(nil)
	c.publish(EventEnded, ended)

	logger.LogInfo("session", "session ended", active.ID)
	return ended, nil
}

// ReportMetrics 保存引擎上报的指标，会话无需仍处于活动状态
func (c *Coordinator) ReportMetrics(ctx context.Context, sessionID string, rawMetrics json.RawMessage) (*MetricsRecord, error) {
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()

	sess, err := c.store.FindSession(sctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, storeErr("find session", err)
	}

	metrics, err := c.registry.ParseMetrics(sess.Module, rawMetrics)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(metrics)
	if err != nil {
		return nil, fmt.Errorf("encode metrics: %w", err)
	}

	reportedAt := c.now().UTC()
	if err := c.store.CreateModuleRecord(sctx, ModuleRecord{
		Kind:      KindMetrics,
		Module:    sess.Module,
		SessionID: sess.ID,
		Data:      data,
		CreatedAt: reportedAt,
	}); err != nil {
		if errors.Is(err, ErrRecordExists) {
			return nil, fmt.Errorf("%w: %s", ErrMetricsAlreadyReported, sess.ID)
		}
		return nil, storeErr("create metrics", err)
	}

	logger.LogInfo("session", fmt.Sprintf("metrics reported: score=%d", metrics.TotalScore()), sess.ID)
	return &MetricsRecord{
		SessionID:  sess.ID,
		Module:     sess.Module,
		Metrics:    metrics,
		ReportedAt: reportedAt,
	}, nil
}

// Restore 启动时从存储恢复槽位
//
// 最新的非终止会话被恢复到槽位，其余非终止会话（包括缺少参数记录的创建残留）
// 被标记为 ENDED 并作为一致性故障记录。
func (c *Coordinator) Restore(ctx context.Context, query Query) (*View, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if active := c.slot.Load(); active != nil {
		return active, nil
	}

	sctx, cancel := c.storeCtx(ctx)
	defer cancel()

	candidates, err := query.ListSessions(sctx, Filter{
		Statuses: []Status{StatusNotStarted, StatusRunning, StatusPaused},
		Limit:    MaxListLimit,
	})
	if err != nil {
		return nil, storeErr("list open sessions", err)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Date.After(candidates[j].Date)
	})

	var restored *View
	for _, sess := range candidates {
		if restored == nil {
			view, err := c.loadView(sctx, sess)
			if err == nil {
				restored = view
				continue
			}
			if errors.Is(err, ErrStoreUnavailable) {
				return nil, err
			}
		}
		logger.LogFault("session", "ending stale open session found during restore", sess.ID)
		if err := c.store.SaveSessionStatus(sctx, sess.ID, StatusEnded); err != nil {
			return nil, storeErr("end stale session", err)
		}
	}

	if restored == nil {
		return nil, nil
	}
	if restored.Status == StatusNotStarted {
		if err := c.store.SaveSessionStatus(sctx, restored.ID, StatusRunning); err != nil {
			return nil, storeErr("promote restored session", err)
		}
		restored = restored.withStatus(StatusRunning)
	}

	c.slot.Store(restored)
	c.publish(EventRestored, restored)
	logger.LogInfo("session", fmt.Sprintf("session restored with status %s", restored.Status), restored.ID)
	return restored, nil
}

func (c *Coordinator) transition(ctx context.Context, sessionID string, from, to Status, ev EventType) (*View, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	active, err := c.activeFor(sessionID)
	if err != nil {
		return nil, err
	}
	if active.Status != from {
		return nil, fmt.Errorf("%w: session is %s, expected %s", ErrInvalidTransition, active.Status, from)
	}
	if err := c.saveStatus(ctx, active.ID, to); err != nil {
		return nil, err
	}

	next := active.withStatus(to)
	c.slot.Store(next)
	c.publish(ev, next)

	logger.LogInfo("session", fmt.Sprintf("session %s -> %s", from, to), active.ID)
	return next, nil
}

// activeFor 调用方必须持有 mu
func (c *Coordinator) activeFor(sessionID string) (*View, error) {
	active := c.slot.Load()
	if active == nil {
		return nil, ErrNoActiveSession
	}
	if active.ID != sessionID {
		return nil, fmt.Errorf("%w: got %q", ErrSessionIDMismatch, sessionID)
	}
	return active, nil
}

func (c *Coordinator) saveStatus(ctx context.Context, sessionID string, status Status) error {
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()

	err := c.store.SaveSessionStatus(sctx, sessionID, status)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		logger.LogFault("session", "active session is missing from the store", sessionID)
		return fmt.Errorf("%w: %w: %s", ErrConsistencyFault, ErrSessionNotFound, sessionID)
	default:
		return storeErr("save status", err)
	}
}

func (c *Coordinator) checkUser(ctx context.Context, ownerID string) error {
	if ownerID == "" {
		return fmt.Errorf("%w: owner id is empty", ErrUserNotFound)
	}

	sctx, cancel := c.storeCtx(ctx)
	defer cancel()

	if _, err := c.store.FindUser(sctx, ownerID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUserNotFound, ownerID)
		}
		return storeErr("find user", err)
	}
	return nil
}

func (c *Coordinator) rollbackCreate(ctx context.Context, sessionID string) {
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()

	err := c.store.DeleteSession(sctx, sessionID)
	if err == nil {
		logger.LogWarning("session", "session creation rolled back", sessionID)
		return
	}
	logger.LogFault("session", fmt.Sprintf("rollback of half-created session failed: %v", err), sessionID)

	// 删除失败时把残留记录标记为 ENDED，避免被当作进行中的会话
	if err := c.store.SaveSessionStatus(sctx, sessionID, StatusEnded); err != nil {
		logger.LogFault("session", fmt.Sprintf("marking half-created session ended failed: %v", err), sessionID)
		return
	}
	logger.LogWarning("session", "half-created session marked ended", sessionID)
}

func (c *Coordinator) loadView(ctx context.Context, sess *Session) (*View, error) {
	rec, err := c.store.FindModuleRecord(ctx, KindParams, sess.Module, sess.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, storeErr("find params", err)
	}
	params, err := c.registry.ParseParams(sess.Module, rec.Data)
	if err != nil {
		return nil, err
	}
	return &View{Session: *sess, Params: params}, nil
}

// storeCtx 存储调用不随调用方取消，但受超时约束
func (c *Coordinator) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.storeTimeout)
}

func (c *Coordinator) publish(t EventType, v *View) {
	c.events.publish(Event{Type: t, Session: v, Timestamp: c.now().UTC()})
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

func normalizePatient(p PatientInfo) (PatientInfo, error) {
	p.Name = strings.TrimSpace(p.Name)
	p.Ailment = strings.TrimSpace(p.Ailment)
	p.Email = strings.TrimSpace(p.Email)

	if p.Name == "" {
		return p, fmt.Errorf("%w: patient name is required", ErrInvalidPatientDetails)
	}
	if p.Ailment == "" {
		return p, fmt.Errorf("%w: patient ailment is required", ErrInvalidPatientDetails)
	}
	if p.Email != "" {
		addr, err := mail.ParseAddress(p.Email)
		if err != nil {
			return p, fmt.Errorf("%w: patient email is malformed", ErrInvalidPatientDetails)
		}
		p.Email = addr.Address
	}
	return p, nil
}
