package eventlog

import (
	"context"

	"github.com/apex064/earnquest-tg/internal/controlplane"
	"github.com/apex064/earnquest-tg/internal/eventbus"
	"github.com/apex064/earnquest-tg/internal/runtime/supervisor"
	logx "github.com/apex064/earnquest-tg/pkg/logx"
)

// Service feeds the recorder from the event bus. The executor and the sync
// engine publish results there instead of talking to the recorder directly.
type Service struct {
	rec *Recorder
	bus eventbus.Bus
	log logx.Logger

	unsub func()
}

func NewService(rec *Recorder, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{rec: rec, bus: bus, log: log}
}

func (s *Service) Start(sup *supervisor.Supervisor) {
	ch, unsub := s.bus.Subscribe(256)
	s.unsub = unsub

	sup.Go("eventlog-consume", func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-ch:
				if !ok {
					return nil
				}
				entry, ok := ev.Data.(controlplane.EventLogEntry)
				if !ok {
					s.log.Debug("bus event without log payload", logx.String("type", ev.Type))
					continue
				}
				if entry.At.IsZero() {
					entry.At = ev.Time
				}
				s.rec.Record(entry)
			}
		}
	})
}

func (s *Service) Stop() {
	if s.unsub != nil {
		s.unsub()
	}
}
