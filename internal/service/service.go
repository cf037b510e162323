// Package service is the lifecycle facade: it sequences engine decision,
// project write and activity append per external request, and serializes
// mutations per project id.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"modelbay/internal/blob"
	"modelbay/internal/domain"
	"modelbay/internal/lifecycle"
	"modelbay/internal/store"
)

// ErrInvalidCredentials is returned by Authenticate on a bad username or
// password; callers must not reveal which one was wrong.
var ErrInvalidCredentials = errors.New("invalid credentials")

type Service struct {
	Store store.Store
	Blobs *blob.Store
	Now   func() time.Time

	// DefaultCurrency applies when a project is created without one.
	// Empty falls back to USD.
	DefaultCurrency string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(st store.Store, blobs *blob.Store) *Service {
	return &Service{
		Store: st,
		Blobs: blobs,
		Now:   time.Now,
		locks: map[string]*sync.Mutex{},
	}
}

func (s *Service) now() string {
	return s.Now().UTC().Format(time.RFC3339)
}

// projectLock returns the mutex serializing mutations for one project id.
// Locks are never reclaimed; the per-project footprint is one mutex.
func (s *Service) projectLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	return m
}

type CreateProjectInput struct {
	Title       string
	Description string
	Amount      float64
	Currency    string
	BuyerEmail  string
	SellerEmail string
	CreatedBy   domain.Party
	Deadline    string
}

func (s *Service) CreateProject(ctx context.Context, in CreateProjectInput) (domain.Project, error) {
	if in.Title == "" {
		return domain.Project{}, domain.ValidationError{Message: "title is required"}
	}
	if in.BuyerEmail == "" {
		return domain.Project{}, domain.ValidationError{Message: "buyer_email is required"}
	}
	if in.CreatedBy != domain.PartyBuyer && in.CreatedBy != domain.PartySeller {
		return domain.Project{}, domain.ValidationError{Message: "created_by must be buyer or seller"}
	}
	if in.Amount < 0 {
		return domain.Project{}, domain.ValidationError{Message: "amount must not be negative"}
	}
	if in.Currency == "" {
		in.Currency = s.DefaultCurrency
	}
	if in.Currency == "" {
		in.Currency = "USD"
	}
	now := s.now()
	p := domain.Project{
		ID:             uuid.New().String(),
		Title:          in.Title,
		Description:    in.Description,
		Amount:         math.Round(in.Amount*100) / 100,
		Currency:       in.Currency,
		BuyerEmail:     in.BuyerEmail,
		CreatedBy:      in.CreatedBy,
		Status:         domain.StatusCreated,
		PaymentStatus:  domain.PaymentPending,
		BuyerApproved:  domain.ApprovalFalse,
		SellerApproved: domain.ApprovalFalse,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if in.SellerEmail != "" {
		p.SellerEmail = &in.SellerEmail
	}
	if in.Deadline != "" {
		if _, err := time.Parse(time.RFC3339, in.Deadline); err != nil {
			return domain.Project{}, domain.ValidationError{Message: "deadline must be RFC3339"}
		}
		p.Deadline = &in.Deadline
	}
	act := s.newActivity(p.ID, domain.ActivityCreated,
		fmt.Sprintf("Project %q created by %s", p.Title, p.CreatedBy))
	if err := s.Store.CreateProject(ctx, p, act); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (s *Service) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return s.Store.GetProject(ctx, id)
}

// ListProjects returns all projects, or only those where the given email is
// buyer or seller when participant is non-empty.
func (s *Service) ListProjects(ctx context.Context, participant string) ([]domain.Project, error) {
	if participant != "" {
		return s.Store.ListProjectsByParticipant(ctx, participant)
	}
	return s.Store.ListProjects(ctx)
}

type UpdateProjectInput struct {
	Title       *string
	Description *string
	Amount      *float64
	Currency    *string
	SellerEmail *string
	Deadline    *string
}

func (s *Service) UpdateProject(ctx context.Context, id string, in UpdateProjectInput) (domain.Project, error) {
	if in.Amount != nil && *in.Amount < 0 {
		return domain.Project{}, domain.ValidationError{Message: "amount must not be negative"}
	}
	if in.Deadline != nil && *in.Deadline != "" {
		if _, err := time.Parse(time.RFC3339, *in.Deadline); err != nil {
			return domain.Project{}, domain.ValidationError{Message: "deadline must be RFC3339"}
		}
	}
	mu := s.projectLock(id)
	mu.Lock()
	defer mu.Unlock()
	patch := domain.ProjectPatch{
		Title:       in.Title,
		Description: in.Description,
		Amount:      in.Amount,
		Currency:    in.Currency,
		SellerEmail: in.SellerEmail,
		Deadline:    in.Deadline,
		UpdatedAt:   s.now(),
	}
	if patch.Amount != nil {
		rounded := math.Round(*patch.Amount*100) / 100
		patch.Amount = &rounded
	}
	return s.Store.UpdateProject(ctx, id, patch)
}

func (s *Service) DepositPayment(ctx context.Context, id string) (domain.Project, error) {
	return s.transition(ctx, id, func(p domain.Project) (lifecycle.Outcome, error) {
		return lifecycle.Deposit(p)
	})
}

// UploadFile validates the deliverable, persists its bytes, then records the
// metadata. The filter runs before anything is written; a rejected upload
// leaves both project and log untouched.
func (s *Service) UploadFile(ctx context.Context, id, originalName, contentType string, size int64, r io.Reader) (domain.Project, error) {
	if err := lifecycle.ValidateUpload(originalName, size); err != nil {
		return domain.Project{}, err
	}
	mu := s.projectLock(id)
	mu.Lock()
	defer mu.Unlock()

	p, err := s.Store.GetProject(ctx, id)
	if err != nil {
		return domain.Project{}, err
	}
	// Stage the bytes under a scratch handle first; the recorded deliverable
	// is only replaced once the stream passed the size check. The declared
	// size has been filtered already, so the cap catches clients whose stream
	// is larger than they claimed.
	handle := p.ID + strings.ToLower(filepath.Ext(originalName))
	staging := p.ID + ".staging"
	written, err := s.Blobs.Save(staging, io.LimitReader(r, lifecycle.MaxFileSize+1))
	if err != nil {
		s.Blobs.Remove(staging)
		return domain.Project{}, err
	}
	if written > lifecycle.MaxFileSize {
		s.Blobs.Remove(staging)
		return domain.Project{}, domain.ValidationError{Message: "file exceeds size limit"}
	}
	out, err := lifecycle.Upload(p, lifecycle.UploadedFile{
		Name:        filepath.Base(originalName),
		Size:        written,
		ContentType: contentType,
		Handle:      handle,
		At:          s.now(),
	})
	if err != nil {
		s.Blobs.Remove(staging)
		return domain.Project{}, err
	}
	if err := s.Blobs.Rename(staging, handle); err != nil {
		s.Blobs.Remove(staging)
		return domain.Project{}, err
	}
	return s.commit(ctx, p.ID, out)
}

func (s *Service) BuyerAction(ctx context.Context, id string, action lifecycle.BuyerAction) (domain.Project, error) {
	return s.transition(ctx, id, func(p domain.Project) (lifecycle.Outcome, error) {
		return lifecycle.ApplyBuyerAction(p, action)
	})
}

func (s *Service) SellerApprove(ctx context.Context, id string) (domain.Project, error) {
	return s.transition(ctx, id, func(p domain.Project) (lifecycle.Outcome, error) {
		return lifecycle.SellerApprove(p)
	})
}

// transition is the single read-decide-commit path: per-project lock, load,
// pure decision, atomic patch+activity write.
func (s *Service) transition(ctx context.Context, id string, decide func(domain.Project) (lifecycle.Outcome, error)) (domain.Project, error) {
	mu := s.projectLock(id)
	mu.Lock()
	defer mu.Unlock()

	p, err := s.Store.GetProject(ctx, id)
	if err != nil {
		return domain.Project{}, err
	}
	out, err := decide(p)
	if err != nil {
		return domain.Project{}, err
	}
	return s.commit(ctx, p.ID, out)
}

func (s *Service) commit(ctx context.Context, id string, out lifecycle.Outcome) (domain.Project, error) {
	out.Patch.UpdatedAt = s.now()
	act := s.newActivity(id, out.Activity, out.Description)
	return s.Store.Transition(ctx, id, out.Patch, act)
}

func (s *Service) newActivity(projectID string, typ domain.ActivityType, description string) domain.Activity {
	return domain.Activity{
		ID:          uuid.New().String(),
		ProjectID:   projectID,
		Description: description,
		Type:        typ,
		CreatedAt:   s.now(),
	}
}

// FileInfo is the deliverable metadata preview. Downloadable reflects the
// dual-approval gate.
type FileInfo struct {
	Name         string `json:"file_name"`
	Size         int64  `json:"file_size"`
	Type         string `json:"file_type"`
	UploadedAt   string `json:"uploaded_at" format:"date-time"`
	Downloadable bool   `json:"downloadable"`

	handle string
}

func fileInfo(p domain.Project) (FileInfo, error) {
	if !p.HasFile() {
		return FileInfo{}, domain.ErrNotFound
	}
	info := FileInfo{Downloadable: lifecycle.CanDownload(p), handle: *p.FilePath}
	if p.FileName != nil {
		info.Name = *p.FileName
	}
	if p.FileSize != nil {
		info.Size = *p.FileSize
	}
	if p.FileType != nil {
		info.Type = *p.FileType
	}
	if p.UploadedAt != nil {
		info.UploadedAt = *p.UploadedAt
	}
	return info, nil
}

// GetFileInfo returns the metadata preview; with wantDownload it enforces
// the access gate and fails Forbidden (not NotFound) before dual approval.
func (s *Service) GetFileInfo(ctx context.Context, id string, wantDownload bool) (FileInfo, error) {
	p, err := s.Store.GetProject(ctx, id)
	if err != nil {
		return FileInfo{}, err
	}
	info, err := fileInfo(p)
	if err != nil {
		return FileInfo{}, err
	}
	if wantDownload && !info.Downloadable {
		return FileInfo{}, domain.ForbiddenError{Reason: "download requires approval from both buyer and seller"}
	}
	return info, nil
}

// OpenFile streams the deliverable once the gate passes.
func (s *Service) OpenFile(ctx context.Context, id string) (FileInfo, io.ReadCloser, error) {
	info, err := s.GetFileInfo(ctx, id, true)
	if err != nil {
		return FileInfo{}, nil, err
	}
	rc, err := s.Blobs.Open(info.handle)
	if err != nil {
		return FileInfo{}, nil, err
	}
	return info, rc, nil
}

func (s *Service) ListActivities(ctx context.Context, projectID string) ([]domain.Activity, error) {
	if _, err := s.Store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return s.Store.ListActivities(ctx, projectID)
}

func (s *Service) ListRecentActivities(ctx context.Context, limit int) ([]domain.Activity, error) {
	return s.Store.ListRecentActivities(ctx, limit)
}

func (s *Service) RegisterUser(ctx context.Context, username, password string) (domain.User, error) {
	if username == "" || password == "" {
		return domain.User{}, domain.ValidationError{Message: "username and password are required"}
	}
	u := domain.User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: HashPassword(password),
		CreatedAt:    s.now(),
	}
	if err := s.Store.CreateUser(ctx, u); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

func (s *Service) Authenticate(ctx context.Context, username, password string) (domain.User, error) {
	u, err := s.Store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.User{}, ErrInvalidCredentials
		}
		return domain.User{}, err
	}
	if u.PasswordHash != HashPassword(password) {
		return domain.User{}, ErrInvalidCredentials
	}
	return u, nil
}

// HashPassword is a salt-less SHA-256 hex digest.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}
