package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthai/healthai/internal/platform/auth"
)

// AuthObserver is told about rejected logins.
type AuthObserver interface {
	ObserveAuthFailure(reason string)
}

type Service struct {
	users    UserRepository
	patients PatientRepository
	tokens   *auth.TokenIssuer
	observer AuthObserver
	logger   zerolog.Logger
}

func NewService(users UserRepository, patients PatientRepository, tokens *auth.TokenIssuer, logger zerolog.Logger) *Service {
	return &Service{
		users:    users,
		patients: patients,
		tokens:   tokens,
		logger:   logger.With().Str("component", "identity").Logger(),
	}
}

// WithObserver attaches an observer for failed logins.
func (s *Service) WithObserver(o AuthObserver) *Service {
	s.observer = o
	return s
}

// Session is returned by Register and Login.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      *User     `json:"user"`
}

// -- Users --

func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := s.checkUnique(ctx, req.Username, req.Email, uuid.Nil); err != nil {
		s.logger.Warn().Str("username", req.Username).Err(err).Msg("registration rejected")
		return nil, err
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}
	u := &User{
		Username:     strings.TrimSpace(req.Username),
		Email:        strings.TrimSpace(req.Email),
		PasswordHash: hash,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Role:         req.Role,
		IsActive:     true,
	}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info().Str("user_id", u.ID.String()).Str("username", u.Username).Msg("user registered")
	return s.session(u)
}

// Login authenticates by username, or by email when login contains "@".
func (s *Service) Login(ctx context.Context, login, password string) (*Session, error) {
	if login == "" || password == "" {
		return nil, ValidationError("Username/email and password are required")
	}

	var u *User
	var err error
	if strings.Contains(login, "@") {
		u, err = s.users.GetByEmail(ctx, login)
	} else {
		u, err = s.users.GetByUsername(ctx, login)
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.failed("unknown_user", login)
		}
		return nil, err
	}
	if !u.IsActive {
		s.failed("disabled", login)
		return nil, ErrAccountDisabled
	}
	if !auth.CheckPassword(u.PasswordHash, password) {
		s.failed("bad_password", login)
		return nil, ErrInvalidCredentials
	}
	s.logger.Info().Str("user_id", u.ID.String()).Msg("user logged in")
	return s.session(u)
}

func (s *Service) failed(reason, login string) {
	s.logger.Warn().Str("login", login).Str("reason", reason).Msg("login failed")
	if s.observer != nil {
		s.observer.ObserveAuthFailure(reason)
	}
}

func (s *Service) session(u *User) (*Session, error) {
	token, exp, err := s.tokens.Issue(u.ID.String(), u.Username, u.Role)
	if err != nil {
		return nil, err
	}
	return &Session{Token: token, ExpiresAt: exp, User: u}, nil
}

func (s *Service) checkUnique(ctx context.Context, username, email string, self uuid.UUID) error {
	if username != "" {
		u, err := s.users.GetByUsername(ctx, username)
		if err == nil && u.ID != self {
			return &DuplicateError{Field: "username"}
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	if email != "" {
		u, err := s.users.GetByEmail(ctx, email)
		if err == nil && u.ID != self {
			return &DuplicateError{Field: "email"}
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

func (s *Service) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.users.GetByID(ctx, id)
}

func (s *Service) UpdateProfile(ctx context.Context, id uuid.UUID, req ProfileUpdate) (*User, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Email != "" && !strings.EqualFold(req.Email, u.Email) {
		if err := s.checkUnique(ctx, "", req.Email, u.ID); err != nil {
			return nil, err
		}
		u.Email = req.Email
	}
	if req.FirstName != "" {
		u.FirstName = req.FirstName
	}
	if req.LastName != "" {
		u.LastName = req.LastName
	}
	if req.Password != "" {
		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			return nil, err
		}
		u.PasswordHash = hash
	}
	if err := s.users.Update(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// EnsureUser creates the user with id when it is missing. It backs the
// development identity, which needs a row for patient foreign keys.
func (s *Service) EnsureUser(ctx context.Context, u *User, password string) error {
	if _, err := s.users.GetByID(ctx, u.ID); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	u.IsActive = true
	if err := s.users.Create(ctx, u); err != nil {
		return fmt.Errorf("ensure user %s: %w", u.Username, err)
	}
	return nil
}

// -- Administration --

// ErrSelfDelete guards admins against removing their own account.
var ErrSelfDelete = errors.New("cannot delete your own account")

func (s *Service) ListUsers(ctx context.Context, f UserFilter) ([]*User, int, error) {
	return s.users.List(ctx, f)
}

// UpdateUser applies an administrator's changes to another account.
func (s *Service) UpdateUser(ctx context.Context, id uuid.UUID, req UserUpdate) (*User, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Email != "" && !strings.EqualFold(req.Email, u.Email) {
		if err := s.checkUnique(ctx, "", req.Email, u.ID); err != nil {
			return nil, err
		}
		u.Email = req.Email
	}
	if req.FirstName != "" {
		u.FirstName = req.FirstName
	}
	if req.LastName != "" {
		u.LastName = req.LastName
	}
	if req.Role != nil {
		u.Role = *req.Role
	}
	if req.IsActive != nil {
		u.IsActive = *req.IsActive
	}
	if err := s.users.Update(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info().Str("user_id", id.String()).Str("role", u.Role).Bool("is_active", u.IsActive).Msg("user updated by admin")
	return u, nil
}

func (s *Service) DeleteUser(ctx context.Context, actorID, id uuid.UUID) error {
	if actorID == id {
		return ErrSelfDelete
	}
	if err := s.users.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Str("user_id", id.String()).Str("actor_id", actorID.String()).Msg("user deleted")
	return nil
}

// Counts returns the number of users and patients.
func (s *Service) Counts(ctx context.Context) (users, patients int, err error) {
	if users, err = s.users.Count(ctx); err != nil {
		return 0, 0, fmt.Errorf("count users: %w", err)
	}
	if patients, err = s.patients.Count(ctx); err != nil {
		return 0, 0, fmt.Errorf("count patients: %w", err)
	}
	return users, patients, nil
}

// -- Patients --

func (s *Service) CreatePatient(ctx context.Context, doctorID uuid.UUID, req PatientRequest) (*Patient, error) {
	p, err := req.NewPatient()
	if err != nil {
		return nil, err
	}
	p.DoctorID = doctorID
	p.IsActive = true
	if err := s.patients.Create(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info().Str("patient_id", p.ID.String()).Str("doctor_id", doctorID.String()).Msg("patient created")
	return p, nil
}

func (s *Service) GetPatient(ctx context.Context, id, doctorID uuid.UUID) (*Patient, error) {
	return s.patients.GetByID(ctx, id, doctorID)
}

func (s *Service) ListPatients(ctx context.Context, f PatientFilter) ([]*Patient, int, error) {
	return s.patients.List(ctx, f)
}

func (s *Service) UpdatePatient(ctx context.Context, id, doctorID uuid.UUID, req PatientRequest) (*Patient, error) {
	p, err := s.patients.GetByID(ctx, id, doctorID)
	if err != nil {
		return nil, err
	}
	if err := req.Apply(p); err != nil {
		return nil, err
	}
	if err := s.patients.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// DeletePatient deactivates the patient, or removes it with its predictions
// when permanent is set.
func (s *Service) DeletePatient(ctx context.Context, id, doctorID uuid.UUID, permanent bool) error {
	p, err := s.patients.GetByID(ctx, id, doctorID)
	if err != nil {
		return err
	}
	if permanent {
		s.logger.Info().Str("patient_id", id.String()).Msg("patient permanently deleted")
		return s.patients.Delete(ctx, id)
	}
	p.IsActive = false
	s.logger.Info().Str("patient_id", id.String()).Msg("patient deactivated")
	return s.patients.Update(ctx, p)
}

// PatientBelongsTo reports whether patientID is one of doctorID's patients.
func (s *Service) PatientBelongsTo(ctx context.Context, patientID, doctorID string) (bool, error) {
	pid, err := uuid.Parse(patientID)
	if err != nil {
		return false, nil
	}
	did, err := uuid.Parse(doctorID)
	if err != nil {
		return false, nil
	}
	_, err = s.patients.GetByID(ctx, pid, did)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}
