package session

import (
	"context"
	"errors"
	"fmt"

	"RehabSessionHub/internal/module"
)

// Detail 历史会话详情
type Detail struct {
	Session *Session       `json:"session"`
	Params  module.Params  `json:"params"`
	Metrics module.Metrics `json:"metrics,omitempty"`
}

// History 历史会话查询，只读，不涉及槽位
type History struct {
	store    Store
	query    Query
	registry *module.Registry
}

// NewHistory 创建历史查询服务
func NewHistory(store Store, query Query, registry *module.Registry) *History {
	return &History{store: store, query: query, registry: registry}
}

// List 按条件列出会话
func (h *History) List(ctx context.Context, filter Filter) ([]*Session, error) {
	if filter.Module != "" {
		if _, err := h.registry.Lookup(filter.Module); err != nil {
			return nil, err
		}
	}
	filter.Limit = filter.EffectiveLimit()

	sessions, err := h.query.ListSessions(ctx, filter)
	if err != nil {
		return nil, storeErr("list sessions", err)
	}
	return sessions, nil
}

// Detail 返回会话及其参数、指标（指标可能尚未上报）
func (h *History) Detail(ctx context.Context, sessionID string) (*Detail, error) {
	sess, err := h.store.FindSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, storeErr("find session", err)
	}

	detail := &Detail{Session: sess}

	paramsRec, err := h.store.FindModuleRecord(ctx, KindParams, sess.Module, sess.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, storeErr("find params", err)
	}
	if paramsRec != nil {
		if detail.Params, err = h.registry.ParseParams(sess.Module, paramsRec.Data); err != nil {
			return nil, fmt.Errorf("%w: stored params for %s: %w", ErrConsistencyFault, sess.ID, err)
		}
	}

	metricsRec, err := h.store.FindModuleRecord(ctx, KindMetrics, sess.Module, sess.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, storeErr("find metrics", err)
	}
	if metricsRec != nil {
		if detail.Metrics, err = h.registry.ParseMetrics(sess.Module, metricsRec.Data); err != nil {
			return nil, fmt.Errorf("%w: stored metrics for %s: %w", ErrConsistencyFault, sess.ID, err)
		}
	}
	return detail, nil
}
