package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/healthai/healthai/internal/platform/db"
)

// Buckets of the embedded store. Unique columns get an index bucket
// mapping the value to the user id.
const (
	usersBucket    = "users"
	usernameBucket = "users_by_username"
	emailBucket    = "users_by_email"
	patientsBucket = "patients"
)

// userRecord is the stored form of a User; User itself never serialises
// its password hash.
type userRecord struct {
	ID           uuid.UUID `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	Role         string    `json:"role"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (r userRecord) user() *User {
	u := User(r)
	return &u
}

type patientRecord struct {
	ID             uuid.UUID `json:"id"`
	FirstName      string    `json:"first_name"`
	LastName       string    `json:"last_name"`
	DateOfBirth    time.Time `json:"date_of_birth"`
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

func (r patientRecord) patient() *Patient {
	p := Patient(r)
	return &p
}

func put(b *bbolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

// -- User Repository --

type userRepoBolt struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewUserRepoBolt(store *db.Bolt) (UserRepository, error) {
	if err := store.EnsureBuckets(usersBucket, usernameBucket, emailBucket, patientsBucket); err != nil {
		return nil, err
	}
	return &userRepoBolt{db: store.DB, now: time.Now}, nil
}

func loadUser(tx *bbolt.Tx, id []byte) (*userRecord, error) {
	data := tx.Bucket([]byte(usersBucket)).Get(id)
	if data == nil {
		return nil, ErrNotFound
	}
	var rec userRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode user %s: %w", id, err)
	}
	return &rec, nil
}

func (r *userRepoBolt) Create(_ context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	u.CreatedAt = r.now().UTC()
	u.UpdatedAt = u.CreatedAt
	id := u.ID.String()
	email := strings.ToLower(u.Email)

	return r.db.Update(func(tx *bbolt.Tx) error {
		names, emails := tx.Bucket([]byte(usernameBucket)), tx.Bucket([]byte(emailBucket))
		if names.Get([]byte(u.Username)) != nil {
			return &DuplicateError{Field: "username"}
		}
		if emails.Get([]byte(email)) != nil {
			return &DuplicateError{Field: "email"}
		}
		if err := names.Put([]byte(u.Username), []byte(id)); err != nil {
			return err
		}
		if err := emails.Put([]byte(email), []byte(id)); err != nil {
			return err
		}
		return put(tx.Bucket([]byte(usersBucket)), id, userRecord(*u))
	})
}

func (r *userRepoBolt) GetByID(_ context.Context, id uuid.UUID) (*User, error) {
	var u *User
	err := r.db.View(func(tx *bbolt.Tx) error {
		rec, err := loadUser(tx, []byte(id.String()))
		if err != nil {
			return err
		}
		u = rec.user()
		return nil
	})
	return u, err
}

func (r *userRepoBolt) getByIndex(bucket, key string) (*User, error) {
	var u *User
	err := r.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket([]byte(bucket)).Get([]byte(key))
		if id == nil {
			return ErrNotFound
		}
		rec, err := loadUser(tx, id)
		if err != nil {
			return err
		}
		u = rec.user()
		return nil
	})
	return u, err
}

func (r *userRepoBolt) GetByUsername(_ context.Context, username string) (*User, error) {
	return r.getByIndex(usernameBucket, username)
}

func (r *userRepoBolt) GetByEmail(_ context.Context, email string) (*User, error) {
	return r.getByIndex(emailBucket, strings.ToLower(email))
}

// Update rewrites the record; username is immutable as in the SQL store.
func (r *userRepoBolt) Update(_ context.Context, u *User) error {
	id := u.ID.String()
	return r.db.Update(func(tx *bbolt.Tx) error {
		old, err := loadUser(tx, []byte(id))
		if err != nil {
			return err
		}
		emails := tx.Bucket([]byte(emailBucket))
		oldEmail, newEmail := strings.ToLower(old.Email), strings.ToLower(u.Email)
		if oldEmail != newEmail {
			if owner := emails.Get([]byte(newEmail)); owner != nil && string(owner) != id {
				return &DuplicateError{Field: "email"}
			}
			if err := emails.Delete([]byte(oldEmail)); err != nil {
				return err
			}
			if err := emails.Put([]byte(newEmail), []byte(id)); err != nil {
				return err
			}
		}
		u.Username = old.Username
		u.CreatedAt = old.CreatedAt
		u.UpdatedAt = r.now().UTC()
		return put(tx.Bucket([]byte(usersBucket)), id, userRecord(*u))
	})
}

func (r *userRepoBolt) Delete(_ context.Context, id uuid.UUID) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		key := []byte(id.String())
		rec, err := loadUser(tx, key)
		if err != nil {
			return err
		}
		owns := false
		err = tx.Bucket([]byte(patientsBucket)).ForEach(func(_, data []byte) error {
			var p patientRecord
			if json.Unmarshal(data, &p) == nil && p.DoctorID == id {
				owns = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		if owns {
			return ErrInUse
		}
		if err := tx.Bucket([]byte(usernameBucket)).Delete([]byte(rec.Username)); err != nil {
			return err
		}
		if err := tx.Bucket([]byte(emailBucket)).Delete([]byte(strings.ToLower(rec.Email))); err != nil {
			return err
		}
		return tx.Bucket([]byte(usersBucket)).Delete(key)
	})
}

func (r *userRepoBolt) List(_ context.Context, f UserFilter) ([]*User, int, error) {
	var matched []*User
	search := strings.ToLower(strings.TrimSpace(f.Search))
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(usersBucket)).ForEach(func(_, data []byte) error {
			var rec userRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			if (!rec.IsActive && !f.IncludeInactive) || (f.Role != "" && rec.Role != f.Role) {
				return nil
			}
			if search != "" && !strings.Contains(strings.ToLower(rec.Username+" "+rec.Email+" "+rec.FirstName+" "+rec.LastName), search) {
				return nil
			}
			matched = append(matched, rec.user())
			return nil
		})
	})
	if err != nil {
		return nil, 0, err
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	page, total := paginate(matched, f.Limit, f.Offset)
	return page, total, nil
}

func (r *userRepoBolt) Count(_ context.Context) (int, error) {
	var n int
	err := r.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket([]byte(usersBucket)).Stats().KeyN
		return nil
	})
	return n, err
}

func paginate[T any](items []T, limit, offset int) ([]T, int) {
	total := len(items)
	if offset >= total {
		return nil, total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return items[offset:end], total
}

// -- Patient Repository --

// PatientDeleteHook runs inside permanent patient deletion, before the
// record goes. The embedded store has no cascading foreign keys.
type PatientDeleteHook func(ctx context.Context, id uuid.UUID) error

type patientRepoBolt struct {
	db       *bbolt.DB
	now      func() time.Time
	onDelete PatientDeleteHook
}

func NewPatientRepoBolt(store *db.Bolt, onDelete PatientDeleteHook) (PatientRepository, error) {
	if err := store.EnsureBuckets(patientsBucket); err != nil {
		return nil, err
	}
	return &patientRepoBolt{db: store.DB, now: time.Now, onDelete: onDelete}, nil
}

func loadPatient(tx *bbolt.Tx, id []byte) (*patientRecord, error) {
	data := tx.Bucket([]byte(patientsBucket)).Get(id)
	if data == nil {
		return nil, ErrNotFound
	}
	var rec patientRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode patient %s: %w", id, err)
	}
	return &rec, nil
}

func (r *patientRepoBolt) Create(_ context.Context, p *Patient) error {
	p.ID = uuid.New()
	p.CreatedAt = r.now().UTC()
	p.UpdatedAt = p.CreatedAt
	return r.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket([]byte(patientsBucket)), p.ID.String(), patientRecord(*p))
	})
}

func (r *patientRepoBolt) GetByID(_ context.Context, id, doctorID uuid.UUID) (*Patient, error) {
	var p *Patient
	err := r.db.View(func(tx *bbolt.Tx) error {
		rec, err := loadPatient(tx, []byte(id.String()))
		if err != nil {
			return err
		}
		if rec.DoctorID != doctorID {
			return ErrNotFound
		}
		p = rec.patient()
		return nil
	})
	return p, err
}

func (r *patientRepoBolt) Update(_ context.Context, p *Patient) error {
	key := p.ID.String()
	return r.db.Update(func(tx *bbolt.Tx) error {
		old, err := loadPatient(tx, []byte(key))
		if err != nil {
			return err
		}
		p.DoctorID = old.DoctorID
		p.CreatedAt = old.CreatedAt
		p.UpdatedAt = r.now().UTC()
		return put(tx.Bucket([]byte(patientsBucket)), key, patientRecord(*p))
	})
}

func (r *patientRepoBolt) Delete(ctx context.Context, id uuid.UUID) error {
	key := []byte(id.String())
	err := r.db.View(func(tx *bbolt.Tx) error {
		_, err := loadPatient(tx, key)
		return err
	})
	if err != nil {
		return err
	}
	if r.onDelete != nil {
		if err := r.onDelete(ctx, id); err != nil {
			return fmt.Errorf("patient delete: %w", err)
		}
	}
	return r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(patientsBucket)).Delete(key)
	})
}

func (r *patientRepoBolt) List(_ context.Context, f PatientFilter) ([]*Patient, int, error) {
	var matched []*Patient
	search := strings.ToLower(strings.TrimSpace(f.Search))
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(patientsBucket)).ForEach(func(_, data []byte) error {
			var rec patientRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			if rec.DoctorID != f.DoctorID || (!rec.IsActive && !f.IncludeInactive) {
				return nil
			}
			if search != "" && !patientMatches(&rec, search) {
				return nil
			}
			matched = append(matched, rec.patient())
			return nil
		})
	})
	if err != nil {
		return nil, 0, err
	}
	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !strings.EqualFold(a.LastName, b.LastName) {
			return strings.ToLower(a.LastName) < strings.ToLower(b.LastName)
		}
		return strings.ToLower(a.FirstName) < strings.ToLower(b.FirstName)
	})
	page, total := paginate(matched, f.Limit, f.Offset)
	return page, total, nil
}

func patientMatches(p *patientRecord, search string) bool {
	fields := []string{p.FirstName, p.LastName}
	if p.Email != nil {
		fields = append(fields, *p.Email)
	}
	if p.Phone != nil {
		fields = append(fields, *p.Phone)
	}
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), search) {
			return true
		}
	}
	return false
}

func (r *patientRepoBolt) Count(_ context.Context) (int, error) {
	var n int
	err := r.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket([]byte(patientsBucket)).Stats().KeyN
		return nil
	})
	return n, err
}
