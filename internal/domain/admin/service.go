package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthai/healthai/internal/domain/diagnostics"
	"github.com/healthai/healthai/internal/domain/identity"
)

// Directory is the account management surface of the identity service.
type Directory interface {
	ListUsers(ctx context.Context, f identity.UserFilter) ([]*identity.User, int, error)
	UpdateUser(ctx context.Context, id uuid.UUID, req identity.UserUpdate) (*identity.User, error)
	DeleteUser(ctx context.Context, actorID, id uuid.UUID) error
	Counts(ctx context.Context) (users, patients int, err error)
}

// StatsSource counts stored predictions.
type StatsSource interface {
	Stats(ctx context.Context, since time.Time) (*diagnostics.Stats, error)
}

type Service struct {
	directory Directory
	stats     StatsSource
	now       func() time.Time
	logger    zerolog.Logger
}

func NewService(directory Directory, stats StatsSource, logger zerolog.Logger) *Service {
	return &Service{
		directory: directory,
		stats:     stats,
		now:       time.Now,
		logger:    logger.With().Str("component", "admin").Logger(),
	}
}

// Dashboard gathers entity counts and the last 30 days of predictions.
func (s *Service) Dashboard(ctx context.Context) (*Dashboard, error) {
	users, patients, err := s.directory.Counts(ctx)
	if err != nil {
		return nil, err
	}
	st, err := s.stats.Stats(ctx, Since(RangeMonth, s.now()))
	if err != nil {
		return nil, err
	}
	d := &Dashboard{
		UserCount:            users,
		PatientCount:         patients,
		TotalDiagnostics:     st.Total,
		LastMonthDiagnostics: st.Period,
		DiagnosticsByType:    make(map[string]int, len(st.ByModel)),
	}
	for model, ms := range st.ByModel {
		d.DiagnosticsByType[model] = ms.Total
	}
	return d, nil
}

// DiagnosticsAnalytics breaks predictions down per model for timeRange.
func (s *Service) DiagnosticsAnalytics(ctx context.Context, timeRange string) (*diagnostics.Stats, error) {
	st, err := s.stats.Stats(ctx, Since(timeRange, s.now()))
	if err != nil {
		return nil, fmt.Errorf("diagnostics analytics: %w", err)
	}
	return st, nil
}

func (s *Service) ListUsers(ctx context.Context, f identity.UserFilter) ([]*identity.User, int, error) {
	return s.directory.ListUsers(ctx, f)
}

func (s *Service) UpdateUser(ctx context.Context, id uuid.UUID, req identity.UserUpdate) (*identity.User, error) {
	return s.directory.UpdateUser(ctx, id, req)
}

func (s *Service) DeleteUser(ctx context.Context, actorID, id uuid.UUID) error {
	if err := s.directory.DeleteUser(ctx, actorID, id); err != nil {
		s.logger.Warn().Err(err).Str("user_id", id.String()).Str("actor_id", actorID.String()).Msg("user deletion refused")
		return err
	}
	return nil
}
