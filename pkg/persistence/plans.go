package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"taskorch/pkg/plan"
)

const planColumns = `id, project_id, namespace, status, tasks, gate_result, error, version, created_at, updated_at`

func scanPlan(row rowScanner) (*plan.Plan, error) {
	var (
		p                    plan.Plan
		tasksJSON            string
		gate                 sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&p.ID, &p.ProjectID, &p.Namespace, &p.Status, &tasksJSON, &gate, &p.Error,
		&p.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tasksJSON), &p.Tasks); err != nil {
		return nil, fmt.Errorf("plan %s: invalid tasks: %w", p.ID, err)
	}
	if gate.Valid && gate.String != "" {
		p.GateResult = &plan.GateResult{}
		if err := json.Unmarshal([]byte(gate.String), p.GateResult); err != nil {
			return nil, fmt.Errorf("plan %s: invalid gate result: %w", p.ID, err)
		}
	}
	var err error
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func encodePlan(p *plan.Plan) (tasks string, gate any, err error) {
	data, err := json.Marshal(p.Tasks)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode plan tasks: %w", err)
	}
	if p.GateResult != nil {
		g, err := json.Marshal(p.GateResult)
		if err != nil {
			return "", nil, fmt.Errorf("failed to encode gate result: %w", err)
		}
		gate = string(g)
	}
	return string(data), gate, nil
}

// PlanStore exposes the plan table as a plan.Store. It shares the DB's connection.
type PlanStore struct {
	d *DB
}

// Plans returns the plan.Store view of d.
func (d *DB) Plans() *PlanStore {
	return &PlanStore{d: d}
}

func (s *PlanStore) Create(ctx context.Context, p *plan.Plan) error {
	tasks, gate, err := encodePlan(p)
	if err != nil {
		return err
	}
	_, err = s.d.db.ExecContext(ctx, `INSERT INTO plans (`+planColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ProjectID, p.Namespace, string(p.Status), tasks, gate, p.Error, p.Version,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert plan %s: %w", p.ID, err)
	}
	return nil
}

func (s *PlanStore) Get(ctx context.Context, id string) (*plan.Plan, error) {
	p, err := scanPlan(s.d.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", plan.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load plan %s: %w", id, err)
	}
	return p, nil
}

// Update writes p when the stored version matches and bumps p.Version.
func (s *PlanStore) Update(ctx context.Context, p *plan.Plan) error {
	tasks, gate, err := encodePlan(p)
	if err != nil {
		return err
	}
	res, err := s.d.db.ExecContext(ctx, `
		UPDATE plans SET status = ?, tasks = ?, gate_result = ?, error = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(p.Status), tasks, gate, p.Error, formatTime(p.UpdatedAt), p.ID, p.Version)
	if err != nil {
		return fmt.Errorf("failed to update plan %s: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update plan %s: %w", p.ID, err)
	}
	if n == 0 {
		if _, getErr := s.Get(ctx, p.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: %s", plan.ErrConflict, p.ID)
	}
	p.Version++
	return nil
}

func (s *PlanStore) List(ctx context.Context, projectID string) ([]*plan.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()
	var out []*plan.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
