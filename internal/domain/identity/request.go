package identity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/healthai/healthai/internal/platform/auth"
)

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Role      string `json:"role"`
}

func (r *RegisterRequest) Validate() error {
	required := []struct{ name, value string }{
		{"username", r.Username},
		{"email", r.Email},
		{"password", r.Password},
		{"first_name", r.FirstName},
		{"last_name", r.LastName},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return ValidationError(f.name + " is required")
		}
	}
	if !ValidEmail(r.Email) {
		return ValidationError("Invalid email format")
	}
	if len(r.Password) < MinPasswordLength {
		return ValidationError(fmt.Sprintf("Password must be at least %d characters long", MinPasswordLength))
	}
	if !auth.ValidRole(r.Role) {
		r.Role = auth.RoleDoctor
	}
	return nil
}

// LoginRequest accepts a username or an email in Username.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ProfileUpdate is the body of PUT /auth/profile. Empty fields are ignored.
type ProfileUpdate struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Password  string `json:"password"`
}

func (r *ProfileUpdate) Validate() error {
	if r.Email != "" && !ValidEmail(r.Email) {
		return ValidationError("Invalid email format")
	}
	if r.Password != "" && len(r.Password) < MinPasswordLength {
		return ValidationError(fmt.Sprintf("Password must be at least %d characters long", MinPasswordLength))
	}
	return nil
}

// UserUpdate is an administrator's edit of an account.
type UserUpdate struct {
	FirstName string  `json:"first_name"`
	LastName  string  `json:"last_name"`
	Email     string  `json:"email"`
	Role      *string `json:"role"`
	IsActive  *bool   `json:"is_active"`
}

func (r *UserUpdate) Validate() error {
	if r.Email != "" && !ValidEmail(r.Email) {
		return ValidationError("Invalid email format")
	}
	if r.Role != nil && !auth.ValidRole(*r.Role) {
		return ValidationError(fmt.Sprintf("Invalid role. Choose from: %s, %s", auth.RoleDoctor, auth.RoleAdmin))
	}
	return nil
}

// PatientRequest is the body of patient create and update. Absent fields
// stay nil; height and weight accept numbers, numeric strings, "" or null.
type PatientRequest struct {
	FirstName      *string         `json:"first_name"`
	LastName       *string         `json:"last_name"`
	DateOfBirth    *string         `json:"date_of_birth"`
	Gender         *string         `json:"gender"`
	Email          *string         `json:"email"`
	Phone          *string         `json:"phone"`
	Address        *string         `json:"address"`
	MedicalHistory *string         `json:"medical_history"`
	Height         json.RawMessage `json:"height"`
	Weight         json.RawMessage `json:"weight"`
	Allergies      *string         `json:"allergies"`
}

func present(s *string) bool {
	return s != nil && strings.TrimSpace(*s) != ""
}

// NewPatient validates r as a create request.
func (r *PatientRequest) NewPatient() (*Patient, error) {
	required := []struct {
		name  string
		value *string
	}{
		{"first_name", r.FirstName},
		{"last_name", r.LastName},
		{"date_of_birth", r.DateOfBirth},
		{"gender", r.Gender},
	}
	for _, f := range required {
		if !present(f.value) {
			return nil, ValidationError("Missing required field: " + f.name)
		}
	}
	p := &Patient{}
	if err := r.Apply(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Apply copies the fields present in r onto p after validating them.
func (r *PatientRequest) Apply(p *Patient) error {
	if present(r.FirstName) {
		p.FirstName = strings.TrimSpace(*r.FirstName)
	}
	if present(r.LastName) {
		p.LastName = strings.TrimSpace(*r.LastName)
	}
	if present(r.Gender) {
		if !ValidGender(*r.Gender) {
			return ValidationError("Invalid gender. Choose from: " + strings.Join(GenderChoices, ", "))
		}
		p.Gender = *r.Gender
	}
	if present(r.DateOfBirth) {
		dob, err := time.Parse(DateLayout, *r.DateOfBirth)
		if err != nil {
			return ValidationError("Invalid date format for date_of_birth. Use YYYY-MM-DD")
		}
		if dob.After(time.Now()) {
			return ValidationError("date_of_birth cannot be in the future")
		}
		p.DateOfBirth = dob
	}
	if r.Email != nil {
		if *r.Email != "" && !ValidEmail(*r.Email) {
			return ValidationError("Invalid email format")
		}
		p.Email = nullable(*r.Email)
	}

	height, set, err := optionalFloat(r.Height)
	if err != nil {
		return ValidationError("Height must be a valid number")
	}
	if set {
		p.Height = height
	}
	weight, set, err := optionalFloat(r.Weight)
	if err != nil {
		return ValidationError("Weight must be a valid number")
	}
	if set {
		p.Weight = weight
	}

	if r.Phone != nil {
		p.Phone = nullable(*r.Phone)
	}
	if r.Address != nil {
		p.Address = nullable(*r.Address)
	}
	if r.MedicalHistory != nil {
		p.MedicalHistory = nullable(*r.MedicalHistory)
	}
	if r.Allergies != nil {
		p.Allergies = nullable(*r.Allergies)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// optionalFloat decodes a JSON number, numeric string, "" or null. set is
// false when the field was absent.
func optionalFloat(raw json.RawMessage) (value *float64, set bool, err error) {
	if len(raw) == 0 {
		return nil, false, nil
	}
	raw = bytes.TrimSpace(raw)
	if bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte(`""`)) {
		return nil, true, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return &f, true, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, true, err
	}
	f, err = strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil, true, err
	}
	return &f, true, nil
}
