package pubsub

import (
	"context"
	"sync"

	"github.com/wattwise/energy-monitor/pkg/logger"
)

type subscription struct {
	ctx  context.Context
	name string
	h    Handler
}

// Memory delivers each published message synchronously to every live
// subscriber. Handler errors are logged and do not fail Publish.
type Memory struct {
	mu   sync.RWMutex
	subs []subscription
	log  *logger.Logger
}

func NewMemory(log *logger.Logger) *Memory {
	if log == nil {
		log = logger.NewDefault("pubsub")
	}
	return &Memory{log: log}
}

func (m *Memory) Subscribe(ctx context.Context, name string, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, subscription{ctx: ctx, name: name, h: h})
	return nil
}

func (m *Memory) Publish(ctx context.Context, msg Message) error {
	m.mu.RLock()
	subs := append([]subscription(nil), m.subs...)
	m.mu.RUnlock()

	for _, s := range subs {
		if s.ctx.Err() != nil {
			continue
		}
		if err := s.h(ctx, msg); err != nil {
			m.log.WithContext(ctx).WithError(err).WithField("subscriber", s.name).Error("message handler failed")
		}
	}
	return nil
}
