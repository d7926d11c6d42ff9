package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/sync/singleflight"
)

// DefaultHistoryLimit is used when Fetch is called with a non-positive limit.
const DefaultHistoryLimit = 50

// MessageLister is the read side of the persistence API.
type MessageLister interface {
	ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
}

// HistoryLoader fetches the initial snapshot of a conversation.
type HistoryLoader struct {
	api     MessageLister
	logger  *slog.Logger
	metrics *Metrics

	flight singleflight.Group
}

// NewHistoryLoader creates a loader backed by api.
func NewHistoryLoader(api MessageLister, logger *slog.Logger, metrics *Metrics) *HistoryLoader {
	if logger == nil {
		logger = discardLogger()
	}
	return &HistoryLoader{api: api, logger: logger, metrics: metrics}
}

// Fetch returns up to limit confirmed messages, oldest first, whatever order the
// API uses. Identical concurrent fetches share one request. Errors are
// classified as ErrNotFound, ErrUnauthorized, ErrForbidden or ErrTransient.
func (h *HistoryLoader) Fetch(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	key := conversationID + "|" + strconv.Itoa(limit)

	ch := h.flight.DoChan(key, func() (any, error) {
		return h.fetch(context.WithoutCancel(ctx), conversationID, limit)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			h.metrics.historyLoad(outcomeOf(res.Err))
			return nil, res.Err
		}
		h.metrics.historyLoad("ok")
		// Callers own their copy.
		return slices.Clone(res.Val.([]Message)), nil
	case <-ctx.Done():
		h.metrics.historyLoad("canceled")
		return nil, fmt.Errorf("load history %s: %w", conversationID, ctx.Err())
	}
}

func (h *HistoryLoader) fetch(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	raw, err := h.api.ListMessages(ctx, conversationID, limit)
	if err != nil {
		h.logger.Warn("history fetch failed", "conversation", conversationID, "error", err)
		return nil, fmt.Errorf("load history %s: %w", conversationID, err)
	}

	out := make([]Message, 0, len(raw))
	dropped := 0
	for _, m := range raw {
		if strings.TrimSpace(m.ID) == "" || strings.HasPrefix(m.ID, EphemeralPrefix) {
			dropped++
			continue
		}
		m.Kind = KindConfirmed
		m.EphemeralID = ""
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		out = append(out, m)
	}
	if dropped > 0 {
		h.logger.Warn("history entries without a server id dropped", "conversation", conversationID, "count", dropped)
	}

	// Newest-first pages are flipped so equal timestamps keep their relative order.
	if n := len(out); n > 1 && out[0].CreatedAt.After(out[n-1].CreatedAt) {
		slices.Reverse(out)
	}
	slices.SortStableFunc(out, func(a, b Message) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}
