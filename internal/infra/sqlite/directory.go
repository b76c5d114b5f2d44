package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/edupay/edupay/internal/domain"
)

// ─── Student Directory ──────────────────────────────────────────────────────

// ExistsByMatricule reports whether an enrolled student carries the
// matricule. Withdrawn students count as absent.
func (db *DB) ExistsByMatricule(ctx context.Context, matricule string) (bool, error) {
	var count int
	err := db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM students WHERE matricule = ? AND enrolled = 1`,
		matricule).Scan(&count)
	return count > 0, err
}

// UpsertStudent inserts or updates a student directory entry.
func (db *DB) UpsertStudent(ctx context.Context, s domain.Student) error {
	enrolled := 0
	if s.Enrolled {
		enrolled = 1
	}
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO students (matricule, full_name, enrolled)
		VALUES (?, ?, ?)
		ON CONFLICT(matricule) DO UPDATE SET
			full_name = excluded.full_name,
			enrolled  = excluded.enrolled
	`, s.Matricule, s.FullName, enrolled)
	return err
}

// ─── Institution Directory ──────────────────────────────────────────────────

// FindByID returns the institution snapshot, or ErrInstitutionNotFound.
func (db *DB) FindByID(ctx context.Context, id string) (*domain.Institution, error) {
	return db.findInstitution(ctx, `SELECT id, name, account_id, active FROM institutions WHERE id = ?`, id)
}

// FindByAccountID resolves an institution by its settlement account. Used by
// the notification entry point, which names the account rather than the
// institution.
func (db *DB) FindByAccountID(ctx context.Context, accountID string) (*domain.Institution, error) {
	return db.findInstitution(ctx, `SELECT id, name, account_id, active FROM institutions WHERE account_id = ?`, accountID)
}

func (db *DB) findInstitution(ctx context.Context, query, arg string) (*domain.Institution, error) {
	var (
		inst   domain.Institution
		active int
	)
	err := db.db.QueryRowContext(ctx, query, arg).
		Scan(&inst.ID, &inst.Name, &inst.AccountID, &active)
	if err == sql.ErrNoRows {
		return nil, domain.ErrInstitutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find institution: %w", err)
	}
	inst.Active = active == 1
	return &inst, nil
}

// UpsertInstitution inserts or updates an institution directory entry.
func (db *DB) UpsertInstitution(ctx context.Context, inst domain.Institution) error {
	active := 0
	if inst.Active {
		active = 1
	}
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO institutions (id, name, account_id, active)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name       = excluded.name,
			account_id = excluded.account_id,
			active     = excluded.active
	`, inst.ID, inst.Name, inst.AccountID, active)
	return err
}
