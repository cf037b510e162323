// Package sqlite is the durable Store backend over database/sql and
// modernc.org/sqlite. Schema lives in internal/migrate.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"modelbay/internal/domain"
	"modelbay/internal/store"
)

type Store struct {
	DB *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{DB: db}
}

const projectColumns = `id,title,COALESCE(description,'') AS description,amount,currency,buyer_email,seller_email,created_by,deadline,file_name,file_size,file_type,file_path,uploaded_at,status,payment_status,buyer_approved,seller_approved,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (domain.Project, error) {
	var p domain.Project
	var sellerEmail, deadline, fileName, fileType, filePath, uploadedAt sql.NullString
	var fileSize sql.NullInt64
	err := row.Scan(&p.ID, &p.Title, &p.Description, &p.Amount, &p.Currency, &p.BuyerEmail,
		&sellerEmail, &p.CreatedBy, &deadline, &fileName, &fileSize, &fileType, &filePath, &uploadedAt,
		&p.Status, &p.PaymentStatus, &p.BuyerApproved, &p.SellerApproved, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, domain.ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if sellerEmail.Valid {
		p.SellerEmail = &sellerEmail.String
	}
	if deadline.Valid {
		p.Deadline = &deadline.String
	}
	if fileName.Valid {
		p.FileName = &fileName.String
	}
	if fileSize.Valid {
		p.FileSize = &fileSize.Int64
	}
	if fileType.Valid {
		p.FileType = &fileType.String
	}
	if filePath.Valid {
		p.FilePath = &filePath.String
	}
	if uploadedAt.Valid {
		p.UploadedAt = &uploadedAt.String
	}
	return p, nil
}

func (s *Store) CreateProject(ctx context.Context, p domain.Project, act domain.Activity) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `INSERT INTO projects(id,title,description,amount,currency,buyer_email,seller_email,created_by,deadline,status,payment_status,buyer_approved,seller_approved,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Title, nullable(p.Description), p.Amount, p.Currency, p.BuyerEmail,
		nullableStringPtr(p.SellerEmail), p.CreatedBy, nullableStringPtr(p.Deadline),
		p.Status, p.PaymentStatus, p.BuyerApproved, p.SellerApproved, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	if err := insertActivity(ctx, tx, act); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(s.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

func (s *Store) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return s.queryProjects(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at, id`)
}

func (s *Store) ListProjectsByParticipant(ctx context.Context, email string) ([]domain.Project, error) {
	return s.queryProjects(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE buyer_email=? COLLATE NOCASE OR seller_email=? COLLATE NOCASE ORDER BY created_at, id`,
		email, email)
}

func (s *Store) queryProjects(ctx context.Context, query string, args ...any) ([]domain.Project, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (s *Store) UpdateProject(ctx context.Context, id string, patch domain.ProjectPatch) (domain.Project, error) {
	fields, args := patchClauses(patch)
	args = append(args, id)
	res, err := s.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE projects SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return domain.Project{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Project{}, domain.ErrNotFound
	}
	return s.GetProject(ctx, id)
}

func (s *Store) Transition(ctx context.Context, id string, patch domain.ProjectPatch, act domain.Activity) (domain.Project, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	fields, args := patchClauses(patch)
	args = append(args, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE projects SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return domain.Project{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Project{}, domain.ErrNotFound
	}
	if err := insertActivity(ctx, tx, act); err != nil {
		return domain.Project{}, err
	}
	p, err := scanProject(tx.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
	if err != nil {
		return domain.Project{}, err
	}
	return p, tx.Commit()
}

// patchClauses turns a shallow patch into SET clauses; updated_at is always
// included.
func patchClauses(patch domain.ProjectPatch) ([]string, []any) {
	var fields []string
	var args []any
	set := func(col string, v any) {
		fields = append(fields, col+"=?")
		args = append(args, v)
	}
	if patch.Title != nil {
		set("title", *patch.Title)
	}
	if patch.Description != nil {
		set("description", nullable(*patch.Description))
	}
	if patch.Amount != nil {
		set("amount", *patch.Amount)
	}
	if patch.Currency != nil {
		set("currency", *patch.Currency)
	}
	if patch.SellerEmail != nil {
		set("seller_email", nullable(*patch.SellerEmail))
	}
	if patch.Deadline != nil {
		set("deadline", nullable(*patch.Deadline))
	}
	if patch.FileName != nil {
		set("file_name", *patch.FileName)
	}
	if patch.FileSize != nil {
		set("file_size", *patch.FileSize)
	}
	if patch.FileType != nil {
		set("file_type", *patch.FileType)
	}
	if patch.FilePath != nil {
		set("file_path", *patch.FilePath)
	}
	if patch.UploadedAt != nil {
		set("uploaded_at", *patch.UploadedAt)
	}
	if patch.Status != nil {
		set("status", *patch.Status)
	}
	if patch.PaymentStatus != nil {
		set("payment_status", *patch.PaymentStatus)
	}
	if patch.BuyerApproved != nil {
		set("buyer_approved", *patch.BuyerApproved)
	}
	if patch.SellerApproved != nil {
		set("seller_approved", *patch.SellerApproved)
	}
	set("updated_at", patch.UpdatedAt)
	return fields, args
}

func insertActivity(ctx context.Context, tx *sql.Tx, act domain.Activity) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO activities(id,project_id,description,type,created_at) VALUES (?,?,?,?,?)`,
		act.ID, act.ProjectID, act.Description, act.Type, act.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func (s *Store) ListActivities(ctx context.Context, projectID string) ([]domain.Activity, error) {
	return s.queryActivities(ctx,
		`SELECT id,project_id,description,type,created_at FROM activities WHERE project_id=? ORDER BY created_at DESC, rowid DESC`,
		projectID)
}

func (s *Store) ListRecentActivities(ctx context.Context, limit int) ([]domain.Activity, error) {
	if limit <= 0 {
		limit = store.DefaultRecentLimit
	}
	return s.queryActivities(ctx,
		`SELECT id,project_id,description,type,created_at FROM activities ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		limit)
}

func (s *Store) queryActivities(ctx context.Context, query string, args ...any) ([]domain.Activity, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Activity
	for rows.Next() {
		var a domain.Activity
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.Description, &a.Type, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, u domain.User) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users(id,username,password_hash,created_at) VALUES (?,?,?,?)`,
		u.ID, u.Username, u.PasswordHash, u.CreatedAt)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return domain.ValidationError{Message: "username already taken"}
	}
	return err
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (domain.User, error) {
	var u domain.User
	err := s.DB.QueryRowContext(ctx, `SELECT id,username,password_hash,created_at FROM users WHERE username=?`, username).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, domain.ErrNotFound
	}
	return u, err
}

func (s *Store) Close() error { return s.DB.Close() }

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
