package retention

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/prepmate/liveroom/internal/store"
)

type Config struct {
	Interval time.Duration
	Period   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval: time.Hour,
		Period:   30 * 24 * time.Hour,
	}
}

// Service periodically removes rooms whose terminal timestamp is older than
// the retention period. Live rooms are never touched; recently ended rooms
// stay readable for historical display.
type Service struct {
	store  *store.Store
	config Config
	stop   chan struct{}
	wg     sync.WaitGroup
}

func New(st *store.Store, config Config) *Service {
	return &Service{
		store:  st,
		config: config,
		stop:   make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	logrus.WithFields(logrus.Fields{
		"interval": s.config.Interval,
		"period":   s.config.Period,
	}).Info("Retention sweeper started")
}

func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
	logrus.Info("Retention sweeper stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.RunOnce()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.RunOnce()
		}
	}
}

func (s *Service) RunOnce() {
	cutoff := time.Now().Add(-s.config.Period)

	deleted, err := s.store.DeleteRoomsEndedBefore(cutoff)
	if err != nil {
		logrus.WithError(err).Error("Retention sweep failed")
		return
	}

	if deleted > 0 {
		logrus.WithField("deleted", deleted).Info("Swept ended rooms")
	}
}
