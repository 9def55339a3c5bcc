// Package testutil provides shared mock implementations of domain interfaces
// for use in tests across the codebase. This follows the Go convention of a
// shared test utility package (like net/http/httptest).
package testutil

import (
	"context"
	"sync"
	"time"

	"notebook-builder/internal/domain"
)

// === Build Repository Mock ===

// MockBuildRepo implements domain.BuildRepository for testing.
type MockBuildRepo struct {
	CreateFn  func(ctx context.Context, b *domain.BuildJob) (*domain.BuildJob, error)
	GetByIDFn func(ctx context.Context, id string) (*domain.BuildJob, error)
	ListFn    func(ctx context.Context, filter domain.BuildFilter) ([]domain.BuildJob, int64, error)
	UpdateFn  func(ctx context.Context, id string, upd domain.BuildUpdate) error

	// UpdateIfStatusFn decides conditional updates. Unset, every conditional
	// update applies.
	UpdateIfStatusFn func(ctx context.Context, id string, from []domain.BuildStatus, upd domain.BuildUpdate) (bool, error)

	mu      sync.Mutex
	Updates []domain.BuildUpdate // collected updates for assertions
}

// Create implements the interface method for testing.
func (m *MockBuildRepo) Create(ctx context.Context, b *domain.BuildJob) (*domain.BuildJob, error) {
	if m.CreateFn != nil {
		return m.CreateFn(ctx, b)
	}
	panic("unexpected call to MockBuildRepo.Create")
}

// GetByID implements the interface method for testing.
func (m *MockBuildRepo) GetByID(ctx context.Context, id string) (*domain.BuildJob, error) {
	if m.GetByIDFn != nil {
		return m.GetByIDFn(ctx, id)
	}
	panic("unexpected call to MockBuildRepo.GetByID")
}

// List implements the interface method for testing.
func (m *MockBuildRepo) List(ctx context.Context, filter domain.BuildFilter) ([]domain.BuildJob, int64, error) {
	if m.ListFn != nil {
		return m.ListFn(ctx, filter)
	}
	panic("unexpected call to MockBuildRepo.List")
}

// Update implements the interface method for testing. Updates are collected
// whether or not UpdateFn is set.
func (m *MockBuildRepo) Update(ctx context.Context, id string, upd domain.BuildUpdate) error {
	m.mu.Lock()
	m.Updates = append(m.Updates, upd)
	m.mu.Unlock()
	if m.UpdateFn != nil {
		return m.UpdateFn(ctx, id, upd)
	}
	return nil
}

// UpdateIfStatus implements the interface method for testing. Applied updates
// are collected with those from Update.
func (m *MockBuildRepo) UpdateIfStatus(ctx context.Context, id string, from []domain.BuildStatus, upd domain.BuildUpdate) (bool, error) {
	ok := true
	if m.UpdateIfStatusFn != nil {
		var err error
		if ok, err = m.UpdateIfStatusFn(ctx, id, from, upd); err != nil {
			return false, err
		}
	}
	if ok {
		m.mu.Lock()
		m.Updates = append(m.Updates, upd)
		m.mu.Unlock()
	}
	return ok, nil
}

// Statuses returns every status written through Update, in order.
func (m *MockBuildRepo) Statuses() []domain.BuildStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BuildStatus
	for _, u := range m.Updates {
		if u.Status != nil {
			out = append(out, *u.Status)
		}
	}
	return out
}

// LastStatus returns the last status written, or "" if none.
func (m *MockBuildRepo) LastStatus() domain.BuildStatus {
	s := m.Statuses()
	if len(s) == 0 {
		return ""
	}
	return s[len(s)-1]
}

var _ domain.BuildRepository = (*MockBuildRepo)(nil)

// === Model Repository Mock ===

// MockModelRepo implements domain.ModelRepository for testing.
type MockModelRepo struct {
	CreateFn  func(ctx context.Context, m *domain.Model) (*domain.Model, error)
	GetByIDFn func(ctx context.Context, id string) (*domain.Model, error)
	UpdateFn  func(ctx context.Context, id string, upd domain.ModelUpdate) error
}

// Create implements the interface method for testing.
func (m *MockModelRepo) Create(ctx context.Context, model *domain.Model) (*domain.Model, error) {
	if m.CreateFn != nil {
		return m.CreateFn(ctx, model)
	}
	panic("unexpected call to MockModelRepo.Create")
}

// GetByID implements the interface method for testing.
func (m *MockModelRepo) GetByID(ctx context.Context, id string) (*domain.Model, error) {
	if m.GetByIDFn != nil {
		return m.GetByIDFn(ctx, id)
	}
	panic("unexpected call to MockModelRepo.GetByID")
}

// Update implements the interface method for testing.
func (m *MockModelRepo) Update(ctx context.Context, id string, upd domain.ModelUpdate) error {
	if m.UpdateFn != nil {
		return m.UpdateFn(ctx, id, upd)
	}
	panic("unexpected call to MockModelRepo.Update")
}

var _ domain.ModelRepository = (*MockModelRepo)(nil)

// === User Repository Mock ===

// MockUserRepo implements domain.UserRepository for testing.
type MockUserRepo struct {
	CreateFn  func(ctx context.Context, u *domain.User) (*domain.User, error)
	GetByIDFn func(ctx context.Context, id string) (*domain.User, error)
}

// Create implements the interface method for testing.
func (m *MockUserRepo) Create(ctx context.Context, u *domain.User) (*domain.User, error) {
	if m.CreateFn != nil {
		return m.CreateFn(ctx, u)
	}
	panic("unexpected call to MockUserRepo.Create")
}

// GetByID implements the interface method for testing.
func (m *MockUserRepo) GetByID(ctx context.Context, id string) (*domain.User, error) {
	if m.GetByIDFn != nil {
		return m.GetByIDFn(ctx, id)
	}
	panic("unexpected call to MockUserRepo.GetByID")
}

var _ domain.UserRepository = (*MockUserRepo)(nil)

// === Object Store Mock ===

// MockObjectStore implements domain.ObjectStore for testing. Without Fn
// overrides it behaves as an in-memory store.
type MockObjectStore struct {
	GetFn        func(ctx context.Context, uri string) ([]byte, error)
	PutFn        func(ctx context.Context, uri string, data []byte) error
	PresignGetFn func(ctx context.Context, uri string, expiry time.Duration) (string, error)

	mu      sync.Mutex
	Objects map[string][]byte
}

// Get implements the interface method for testing.
func (m *MockObjectStore) Get(ctx context.Context, uri string) ([]byte, error) {
	if m.GetFn != nil {
		return m.GetFn(ctx, uri)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.Objects[uri]
	if !ok {
		return nil, domain.ErrNotFound("object %s not found", uri)
	}
	return data, nil
}

// Put implements the interface method for testing.
func (m *MockObjectStore) Put(ctx context.Context, uri string, data []byte) error {
	if m.PutFn != nil {
		return m.PutFn(ctx, uri, data)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Objects == nil {
		m.Objects = make(map[string][]byte)
	}
	m.Objects[uri] = append([]byte(nil), data...)
	return nil
}

// PresignGet implements the interface method for testing.
func (m *MockObjectStore) PresignGet(ctx context.Context, uri string, expiry time.Duration) (string, error) {
	if m.PresignGetFn != nil {
		return m.PresignGetFn(ctx, uri, expiry)
	}
	return "https://signed.example/" + uri, nil
}

// Object returns a stored object and whether it exists.
func (m *MockObjectStore) Object(uri string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.Objects[uri]
	return data, ok
}

var _ domain.ObjectStore = (*MockObjectStore)(nil)

// === Notifier Mock ===

// MockNotifier implements domain.Notifier for testing.
type MockNotifier struct {
	NotifyBuildFn func(ctx context.Context, n domain.BuildNotification) error

	mu   sync.Mutex
	Sent []domain.BuildNotification
}

// NotifyBuild implements the interface method for testing.
func (m *MockNotifier) NotifyBuild(ctx context.Context, n domain.BuildNotification) error {
	m.mu.Lock()
	m.Sent = append(m.Sent, n)
	m.mu.Unlock()
	if m.NotifyBuildFn != nil {
		return m.NotifyBuildFn(ctx, n)
	}
	return nil
}

var _ domain.Notifier = (*MockNotifier)(nil)

// === Notebook Source Mock ===

// MockNotebookSource implements domain.NotebookSource for testing.
type MockNotebookSource struct {
	FetchNotebookFn func(ctx context.Context, user *domain.User, ref domain.SourceRef) ([]byte, error)
}

// FetchNotebook implements the interface method for testing.
func (m *MockNotebookSource) FetchNotebook(ctx context.Context, user *domain.User, ref domain.SourceRef) ([]byte, error) {
	if m.FetchNotebookFn != nil {
		return m.FetchNotebookFn(ctx, user, ref)
	}
	panic("unexpected call to MockNotebookSource.FetchNotebook")
}

var _ domain.NotebookSource = (*MockNotebookSource)(nil)

// === Progress Publisher Mock ===

// MockPublisher collects published progress events.
type MockPublisher struct {
	PublishFn func(ctx context.Context, ev domain.ProgressEvent) error

	mu     sync.Mutex
	Events []domain.ProgressEvent
}

// Publish records ev.
func (m *MockPublisher) Publish(ctx context.Context, ev domain.ProgressEvent) error {
	m.mu.Lock()
	m.Events = append(m.Events, ev)
	m.mu.Unlock()
	if m.PublishFn != nil {
		return m.PublishFn(ctx, ev)
	}
	return nil
}

// Snapshot returns a copy of the events published so far.
func (m *MockPublisher) Snapshot() []domain.ProgressEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.ProgressEvent(nil), m.Events...)
}

// Last returns the last published event.
func (m *MockPublisher) Last() domain.ProgressEvent {
	evs := m.Snapshot()
	if len(evs) == 0 {
		return domain.ProgressEvent{}
	}
	return evs[len(evs)-1]
}

// Terminals returns the terminal events published.
func (m *MockPublisher) Terminals() []domain.ProgressEvent {
	var out []domain.ProgressEvent
	for _, ev := range m.Snapshot() {
		if ev.IsTerminal() {
			out = append(out, ev)
		}
	}
	return out
}
