package identity

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrDuplicate          = errors.New("already exists")
	ErrInvalidCredentials = errors.New("invalid password")
	ErrAccountDisabled    = errors.New("account is disabled")
	ErrInUse              = errors.New("user still owns patients")
)

// ValidationError carries a message safe to return to the client.
type ValidationError string

func (e ValidationError) Error() string { return string(e) }

// DuplicateError names the conflicting field.
type DuplicateError struct {
	Field string
}

func (e *DuplicateError) Error() string {
	if e.Field == "" {
		return "Username or email already exists"
	}
	return strings.ToUpper(e.Field[:1]) + e.Field[1:] + " already exists"
}

func (e *DuplicateError) Unwrap() error { return ErrDuplicate }

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// ValidEmail reports whether s looks like an email address.
func ValidEmail(s string) bool {
	return emailPattern.MatchString(s)
}

// MinPasswordLength matches the auth package's bcrypt guard.
const MinPasswordLength = 8

// DateLayout is the wire format of dates of birth.
const DateLayout = "2006-01-02"

// -- Users --

// User maps to the users table.
type User struct {
	ID           uuid.UUID `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	Role         string    `json:"role"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

func (u *User) MarshalJSON() ([]byte, error) {
	type alias User
	return json.Marshal(struct {
		*alias
		FullName string `json:"full_name"`
	}{(*alias)(u), u.FullName()})
}

// UserFilter selects users for administration.
type UserFilter struct {
	Search          string
	Role            string
	IncludeInactive bool
	Limit           int
	Offset          int
}

// -- Patients --

// Gender choices.
const (
	GenderMale           = "male"
	GenderFemale         = "female"
	GenderPreferNotToSay = "prefer_not_to_say"
)

var GenderChoices = []string{GenderMale, GenderFemale, GenderPreferNotToSay}

func ValidGender(g string) bool {
	for _, c := range GenderChoices {
		if g == c {
			return true
		}
	}
	return false
}

// Patient maps to the patients table. Every patient belongs to one doctor.
type Patient struct {
	ID             uuid.UUID `json:"id"`
	FirstName      string    `json:"first_name"`
	LastName       string    `json:"last_name"`
	DateOfBirth    time.Time `json:"-"`
	Gender         string    `json:"gender"`
	Email          *string   `json:"email"`
	Phone          *string   `json:"phone"`
	Address        *string   `json:"address"`
	MedicalHistory *string   `json:"medical_history"`
	Height         *float64  `json:"height"`
	Weight         *float64  `json:"weight"`
	Allergies      *string   `json:"allergies"`
	DoctorID       uuid.UUID `json:"doctor_id"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (p *Patient) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Age returns completed years at now.
func (p *Patient) Age(now time.Time) int {
	b := p.DateOfBirth
	age := now.Year() - b.Year()
	if now.Month() < b.Month() || (now.Month() == b.Month() && now.Day() < b.Day()) {
		age--
	}
	return age
}

func (p *Patient) MarshalJSON() ([]byte, error) {
	type alias Patient
	return json.Marshal(struct {
		*alias
		DateOfBirth string `json:"date_of_birth"`
		FullName    string `json:"full_name"`
		Age         int    `json:"age"`
	}{(*alias)(p), p.DateOfBirth.Format(DateLayout), p.FullName(), p.Age(time.Now())})
}

// PatientFilter selects a doctor's patients.
type PatientFilter struct {
	DoctorID        uuid.UUID
	Search          string
	IncludeInactive bool
	Limit           int
	Offset          int
}
