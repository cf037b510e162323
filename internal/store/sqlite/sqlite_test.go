package sqlite

import (
	"context"
	"errors"
	"testing"

	"modelbay/internal/db"
	"modelbay/internal/domain"
	"modelbay/internal/migrate"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(conn)
}

func seller(s string) *string { return &s }

func sampleProject(id, title string) domain.Project {
	return domain.Project{
		ID:             id,
		Title:          title,
		Description:    "a part",
		Amount:         99.5,
		Currency:       "USD",
		BuyerEmail:     "buyer@example.com",
		SellerEmail:    seller("seller@example.com"),
		CreatedBy:      domain.PartyBuyer,
		Status:         domain.StatusCreated,
		PaymentStatus:  domain.PaymentPending,
		BuyerApproved:  domain.ApprovalFalse,
		SellerApproved: domain.ApprovalFalse,
		CreatedAt:      "2024-03-01T12:00:00Z",
		UpdatedAt:      "2024-03-01T12:00:00Z",
	}
}

func activity(id, projectID string, typ domain.ActivityType, at string) domain.Activity {
	return domain.Activity{
		ID:          id,
		ProjectID:   projectID,
		Description: string(typ),
		Type:        typ,
		CreatedAt:   at,
	}
}

func TestProjectRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	want := sampleProject("p1", "Housing")
	if err := st.CreateProject(ctx, want, activity("a1", "p1", domain.ActivityCreated, want.CreatedAt)); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	got, err := st.GetProject(ctx, "p1")
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if got.Title != want.Title || got.Description != want.Description || got.Amount != want.Amount {
		t.Errorf("got %+v", got)
	}
	if got.SellerEmail == nil || *got.SellerEmail != "seller@example.com" {
		t.Errorf("seller_email = %v", got.SellerEmail)
	}
	if got.Deadline != nil || got.FileName != nil || got.FilePath != nil {
		t.Errorf("nullable fields should be nil: %+v", got)
	}
	if got.Status != domain.StatusCreated || got.BuyerApproved != domain.ApprovalFalse {
		t.Errorf("state fields: %+v", got)
	}

	if _, err := st.GetProject(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("missing id: err = %v, want ErrNotFound", err)
	}
}

func TestPartialUpdate(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	p := sampleProject("p1", "Housing")
	if err := st.CreateProject(ctx, p, activity("a1", "p1", domain.ActivityCreated, p.CreatedAt)); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	title := "Housing v2"
	got, err := st.UpdateProject(ctx, "p1", domain.ProjectPatch{
		Title:     &title,
		UpdatedAt: "2024-03-01T13:00:00Z",
	})
	if err != nil {
		t.Fatalf("UpdateProject: %v", err)
	}
	if got.Title != title {
		t.Errorf("title = %s", got.Title)
	}
	if got.Description != p.Description || got.Amount != p.Amount {
		t.Errorf("untouched fields changed: %+v", got)
	}
	if got.UpdatedAt != "2024-03-01T13:00:00Z" {
		t.Errorf("updated_at = %s", got.UpdatedAt)
	}

	if _, err := st.UpdateProject(ctx, "missing", domain.ProjectPatch{UpdatedAt: "2024-03-01T13:00:00Z"}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("missing id: err = %v, want ErrNotFound", err)
	}
}

func TestTransitionAppliesPatchAndActivity(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	p := sampleProject("p1", "Housing")
	if err := st.CreateProject(ctx, p, activity("a1", "p1", domain.ActivityCreated, p.CreatedAt)); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	held := domain.PaymentHeld
	deposited := domain.StatusPaymentDeposited
	got, err := st.Transition(ctx, "p1", domain.ProjectPatch{
		PaymentStatus: &held,
		Status:        &deposited,
		UpdatedAt:     "2024-03-01T12:01:00Z",
	}, activity("a2", "p1", domain.ActivityPayment, "2024-03-01T12:01:00Z"))
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if got.Status != domain.StatusPaymentDeposited || got.PaymentStatus != domain.PaymentHeld {
		t.Errorf("after transition: %+v", got)
	}

	acts, err := st.ListActivities(ctx, "p1")
	if err != nil {
		t.Fatalf("ListActivities: %v", err)
	}
	if len(acts) != 2 || acts[0].Type != domain.ActivityPayment || acts[1].Type != domain.ActivityCreated {
		t.Errorf("activities = %+v", acts)
	}

	// Unknown id rolls back the activity too.
	if _, err := st.Transition(ctx, "missing", domain.ProjectPatch{UpdatedAt: "x"}, activity("a3", "missing", domain.ActivityPayment, "x")); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing id: err = %v, want ErrNotFound", err)
	}
	recent, err := st.ListRecentActivities(ctx, 0)
	if err != nil {
		t.Fatalf("ListRecentActivities: %v", err)
	}
	if len(recent) != 2 {
		t.Errorf("rolled-back activity persisted: %+v", recent)
	}
}

func TestParticipantFilterIsCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	a := sampleProject("p1", "Housing")
	if err := st.CreateProject(ctx, a, activity("a1", "p1", domain.ActivityCreated, a.CreatedAt)); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	b := sampleProject("p2", "Bracket")
	b.BuyerEmail = "other@example.com"
	b.SellerEmail = nil
	if err := st.CreateProject(ctx, b, activity("a2", "p2", domain.ActivityCreated, b.CreatedAt)); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	got, err := st.ListProjectsByParticipant(ctx, "SELLER@example.com")
	if err != nil {
		t.Fatalf("ListProjectsByParticipant: %v", err)
	}
	if len(got) != 1 || got[0].ID != "p1" {
		t.Errorf("filter returned %+v", got)
	}

	all, err := st.ListProjects(ctx)
	if err != nil {
		t.Fatalf("ListProjects: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("got %d projects, want 2", len(all))
	}
}

func TestActivityOrderingWithEqualTimestamps(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	p := sampleProject("p1", "Housing")
	at := "2024-03-01T12:00:00Z"
	if err := st.CreateProject(ctx, p, activity("a1", "p1", domain.ActivityCreated, at)); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	held := domain.PaymentHeld
	if _, err := st.Transition(ctx, "p1", domain.ProjectPatch{PaymentStatus: &held, UpdatedAt: at},
		activity("a2", "p1", domain.ActivityPayment, at)); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	uploaded := domain.StatusFileUploaded
	if _, err := st.Transition(ctx, "p1", domain.ProjectPatch{Status: &uploaded, UpdatedAt: at},
		activity("a3", "p1", domain.ActivityUpload, at)); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	// Identical timestamps: insertion order still decides, newest first.
	acts, err := st.ListActivities(ctx, "p1")
	if err != nil {
		t.Fatalf("ListActivities: %v", err)
	}
	wantIDs := []string{"a3", "a2", "a1"}
	if len(acts) != len(wantIDs) {
		t.Fatalf("got %d activities", len(acts))
	}
	for i, id := range wantIDs {
		if acts[i].ID != id {
			t.Errorf("acts[%d].ID = %s, want %s", i, acts[i].ID, id)
		}
	}

	recent, err := st.ListRecentActivities(ctx, 2)
	if err != nil {
		t.Fatalf("ListRecentActivities: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "a3" {
		t.Errorf("recent = %+v", recent)
	}
}

func TestUserUniqueness(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	u := domain.User{ID: "u1", Username: "ada", PasswordHash: "h", CreatedAt: "2024-03-01T12:00:00Z"}
	if err := st.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	dup := domain.User{ID: "u2", Username: "ada", PasswordHash: "h2", CreatedAt: "2024-03-01T12:01:00Z"}
	var verr domain.ValidationError
	if err := st.CreateUser(ctx, dup); !errors.As(err, &verr) {
		t.Fatalf("duplicate username: err = %v, want ValidationError", err)
	}

	got, err := st.GetUserByUsername(ctx, "ada")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if got.ID != "u1" {
		t.Errorf("user = %+v", got)
	}
	if _, err := st.GetUserByUsername(ctx, "ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown user: err = %v, want ErrNotFound", err)
	}
}
