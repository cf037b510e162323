package store

import (
	"context"
	"strings"
	"sync"

	"modelbay/internal/domain"
)

// Memory is the map-backed Store. Activities are kept in insertion order so
// reverse iteration yields most-recent-first with stable tie-breaking.
type Memory struct {
	mu         sync.RWMutex
	projects   map[string]domain.Project
	order      []string
	activities []domain.Activity
	users      map[string]domain.User
}

func NewMemory() *Memory {
	return &Memory{
		projects: map[string]domain.Project{},
		users:    map[string]domain.User{},
	}
}

func (m *Memory) CreateProject(ctx context.Context, p domain.Project, act domain.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[p.ID] = p
	m.order = append(m.order, p.ID)
	m.activities = append(m.activities, act)
	return nil
}

func (m *Memory) GetProject(ctx context.Context, id string) (domain.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return domain.Project{}, domain.ErrNotFound
	}
	return p, nil
}

func (m *Memory) ListProjects(ctx context.Context) ([]domain.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Project, 0, len(m.order))
	for _, id := range m.order {
		res = append(res, m.projects[id])
	}
	return res, nil
}

func (m *Memory) ListProjectsByParticipant(ctx context.Context, email string) ([]domain.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []domain.Project
	for _, id := range m.order {
		p := m.projects[id]
		if strings.EqualFold(p.BuyerEmail, email) ||
			(p.SellerEmail != nil && strings.EqualFold(*p.SellerEmail, email)) {
			res = append(res, p)
		}
	}
	return res, nil
}

func (m *Memory) UpdateProject(ctx context.Context, id string, patch domain.ProjectPatch) (domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return domain.Project{}, domain.ErrNotFound
	}
	applyPatch(&p, patch)
	m.projects[id] = p
	return p, nil
}

func (m *Memory) Transition(ctx context.Context, id string, patch domain.ProjectPatch, act domain.Activity) (domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return domain.Project{}, domain.ErrNotFound
	}
	applyPatch(&p, patch)
	m.projects[id] = p
	m.activities = append(m.activities, act)
	return p, nil
}

func (m *Memory) ListActivities(ctx context.Context, projectID string) ([]domain.Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []domain.Activity
	for i := len(m.activities) - 1; i >= 0; i-- {
		if m.activities[i].ProjectID == projectID {
			res = append(res, m.activities[i])
		}
	}
	return res, nil
}

func (m *Memory) ListRecentActivities(ctx context.Context, limit int) ([]domain.Activity, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []domain.Activity
	for i := len(m.activities) - 1; i >= 0 && len(res) < limit; i-- {
		res = append(res, m.activities[i])
	}
	return res, nil
}

func (m *Memory) CreateUser(ctx context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[u.Username]; exists {
		return domain.ValidationError{Message: "username already taken"}
	}
	m.users[u.Username] = u
	return nil
}

func (m *Memory) GetUserByUsername(ctx context.Context, username string) (domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[username]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}

func (m *Memory) Close() error { return nil }

// applyPatch shallow-merges: any non-nil field replaces the stored value.
func applyPatch(p *domain.Project, patch domain.ProjectPatch) {
	if patch.Title != nil {
		p.Title = *patch.Title
	}
	if patch.Description != nil {
		p.Description = *patch.Description
	}
	if patch.Amount != nil {
		p.Amount = *patch.Amount
	}
	if patch.Currency != nil {
		p.Currency = *patch.Currency
	}
	if patch.SellerEmail != nil {
		p.SellerEmail = patch.SellerEmail
	}
	if patch.Deadline != nil {
		p.Deadline = patch.Deadline
	}
	if patch.FileName != nil {
		p.FileName = patch.FileName
	}
	if patch.FileSize != nil {
		p.FileSize = patch.FileSize
	}
	if patch.FileType != nil {
		p.FileType = patch.FileType
	}
	if patch.FilePath != nil {
		p.FilePath = patch.FilePath
	}
	if patch.UploadedAt != nil {
		p.UploadedAt = patch.UploadedAt
	}
	if patch.Status != nil {
		p.Status = *patch.Status
	}
	if patch.PaymentStatus != nil {
		p.PaymentStatus = *patch.PaymentStatus
	}
	if patch.BuyerApproved != nil {
		p.BuyerApproved = *patch.BuyerApproved
	}
	if patch.SellerApproved != nil {
		p.SellerApproved = *patch.SellerApproved
	}
	if patch.UpdatedAt != "" {
		p.UpdatedAt = patch.UpdatedAt
	}
}
