package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"accountd/internal/repository"
)

// Scheduler purges token rows past their expiry on a fixed cadence.
// Expired tokens are already rejected by the workflows; the purge just
// keeps the tables from growing without bound.
type Scheduler struct {
	cron          *cron.Cron
	devices       *repository.DeviceRepository
	verifications *repository.VerificationRepository
	resets        *repository.ResetRepository
	log           zerolog.Logger
}

func NewScheduler(
	devices *repository.DeviceRepository,
	verifications *repository.VerificationRepository,
	resets *repository.ResetRepository,
	log zerolog.Logger,
) *Scheduler {
	return &Scheduler{
		cron:          cron.New(cron.WithSeconds()),
		devices:       devices,
		verifications: verifications,
		resets:        resets,
		log:           log,
	}
}

func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc("0 0 * * * *", s.purgeExpired); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts scheduling and waits briefly for a running purge to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
	}
}

func (s *Scheduler) purgeExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now()

	sessions, err := s.devices.DeleteExpired(ctx, now)
	if err != nil {
		s.log.Error().Err(err).Msg("purge expired device sessions failed")
	}

	verifications, err := s.verifications.DeleteExpired(ctx, now)
	if err != nil {
		s.log.Error().Err(err).Msg("purge expired verification tokens failed")
	}

	resets, err := s.resets.DeleteExpired(ctx, now)
	if err != nil {
		s.log.Error().Err(err).Msg("purge expired reset tokens failed")
	}

	s.log.Info().
		Int64("device_sessions", sessions).
		Int64("verification_tokens", verifications).
		Int64("reset_tokens", resets).
		Msg("expired token purge complete")
}
