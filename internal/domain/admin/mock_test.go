package admin

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/healthai/healthai/internal/domain/diagnostics"
	"github.com/healthai/healthai/internal/domain/identity"
)

type fakeDirectory struct {
	users    map[uuid.UUID]*identity.User
	patients int
	lastList identity.UserFilter
}

func newFakeDirectory(users ...*identity.User) *fakeDirectory {
	d := &fakeDirectory{users: make(map[uuid.UUID]*identity.User)}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

func (d *fakeDirectory) ListUsers(_ context.Context, f identity.UserFilter) ([]*identity.User, int, error) {
	d.lastList = f
	var out []*identity.User
	for _, u := range d.users {
		out = append(out, u)
	}
	return out, len(out), nil
}

func (d *fakeDirectory) UpdateUser(_ context.Context, id uuid.UUID, req identity.UserUpdate) (*identity.User, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	u, ok := d.users[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	if req.Role != nil {
		u.Role = *req.Role
	}
	if req.IsActive != nil {
		u.IsActive = *req.IsActive
	}
	return u, nil
}

func (d *fakeDirectory) DeleteUser(_ context.Context, actorID, id uuid.UUID) error {
	if actorID == id {
		return identity.ErrSelfDelete
	}
	if _, ok := d.users[id]; !ok {
		return identity.ErrNotFound
	}
	delete(d.users, id)
	return nil
}

func (d *fakeDirectory) Counts(context.Context) (int, int, error) {
	return len(d.users), d.patients, nil
}

// fakeStats keeps prediction timestamps per model.
type fakeStats struct {
	created   map[string][]time.Time
	lastSince time.Time
	err       error
}

func (f *fakeStats) Stats(_ context.Context, since time.Time) (*diagnostics.Stats, error) {
	f.lastSince = since
	if f.err != nil {
		return nil, f.err
	}
	s := &diagnostics.Stats{ByModel: make(map[string]diagnostics.ModelStats)}
	for model, times := range f.created {
		ms := diagnostics.ModelStats{Total: len(times)}
		for _, t := range times {
			if !t.Before(since) {
				ms.Period++
			}
		}
		s.ByModel[model] = ms
		s.Total += ms.Total
		s.Period += ms.Period
	}
	return s, nil
}

var errStats = errors.New("stats unavailable")
