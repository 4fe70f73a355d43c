package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DeploymentStatus is the lifecycle state of a parser deployment.
type DeploymentStatus string

const (
	DeploymentUploaded     DeploymentStatus = "uploaded"
	DeploymentBroadcasting DeploymentStatus = "broadcasting"
	DeploymentDeployed     DeploymentStatus = "deployed"
	DeploymentFailed       DeploymentStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s DeploymentStatus) Terminal() bool {
	return s == DeploymentDeployed || s == DeploymentFailed
}

// ErrDeploymentState is returned when a deployment is not in the state an
// operation requires.
var ErrDeploymentState = errors.New("store: deployment in wrong state")

// Deployment is a parser artifact rollout.
type Deployment struct {
	ID             string           `json:"id"`
	FileHash       string           `json:"file_hash"`
	Version        string           `json:"version"`
	DownloadURL    string           `json:"download_url"`
	Status         DeploymentStatus `json:"status"`
	Quorum         float64          `json:"quorum"`
	TotalTerminals int              `json:"total_terminals"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	BroadcastAt    time.Time        `json:"broadcast_at,omitempty"`
	DeadlineAt     time.Time        `json:"deadline_at,omitempty"`
	FinishedAt     time.Time        `json:"finished_at,omitempty"`

	Roster []string `json:"roster"`
	// Acked holds roster members that acknowledged; Late holds terminals
	// that acknowledged without being on the roster.
	Acked []string `json:"acked"`
	Late  []string `json:"late"`
}

const deploymentColumns = `id, file_hash, version, download_url, status, quorum,
	total_terminals, error_message, created_at, broadcast_at, deadline_at, finished_at`

// CreateDeployment inserts d in the uploaded state.
func (s *Store) CreateDeployment(ctx context.Context, d Deployment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deployments (`+deploymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, 0, '', ?, 0, 0, 0)
	`, d.ID, d.FileHash, d.Version, d.DownloadURL, string(DeploymentUploaded), d.Quorum, toNanos(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("create deployment: %w", err)
	}
	return nil
}

// StartBroadcast moves an uploaded deployment to broadcasting and freezes
// its roster. The roster is the denominator for quorum from here on.
func (s *Store) StartBroadcast(ctx context.Context, id string, roster []string, at, deadline time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("start broadcast: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE deployments
		SET status = ?, total_terminals = ?, broadcast_at = ?, deadline_at = ?
		WHERE id = ? AND status = ?
	`, string(DeploymentBroadcasting), len(roster), toNanos(at), toNanos(deadline),
		id, string(DeploymentUploaded))
	if err != nil {
		return fmt.Errorf("start broadcast: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("start broadcast: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("start broadcast %s: %w", id, ErrDeploymentState)
	}

	for _, terminal := range roster {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO deployment_roster (deployment_id, terminal_id) VALUES (?, ?)
			ON CONFLICT DO NOTHING
		`, id, terminal); err != nil {
			return fmt.Errorf("start broadcast: roster: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("start broadcast: commit: %w", err)
	}
	return nil
}

// AckResult reports what RecordAck observed.
type AckResult struct {
	// New is false for a repeated acknowledgement.
	New bool
	// InRoster is false for terminals that connected after broadcast.
	InRoster bool
	// Acked and Total are the roster coverage after this ack.
	Acked  int
	Total  int
	Status DeploymentStatus
	// Quorum and DeadlineAt are the values the deployment was broadcast
	// with.
	Quorum     float64
	DeadlineAt time.Time
}

// RecordAck stores an acknowledgement from terminalID. Acks are idempotent;
// only roster members count toward quorum.
func (s *Store) RecordAck(ctx context.Context, id, terminalID string, at time.Time) (AckResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AckResult{}, fmt.Errorf("record ack: begin tx: %w", err)
	}
	defer tx.Rollback()

	var (
		res      AckResult
		status   string
		deadline int64
	)
	err = tx.QueryRowContext(ctx, `
		SELECT status, total_terminals, quorum, deadline_at FROM deployments WHERE id = ?
	`, id).Scan(&status, &res.Total, &res.Quorum, &deadline)
	if errors.Is(err, sql.ErrNoRows) {
		return AckResult{}, fmt.Errorf("record ack: deployment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return AckResult{}, fmt.Errorf("record ack: %w", err)
	}
	res.Status = DeploymentStatus(status)
	res.DeadlineAt = fromNanos(deadline)

	var member int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM deployment_roster WHERE deployment_id = ? AND terminal_id = ?
	`, id, terminalID).Scan(&member)
	if err != nil {
		return AckResult{}, fmt.Errorf("record ack: roster: %w", err)
	}
	res.InRoster = member > 0

	ins, err := tx.ExecContext(ctx, `
		INSERT INTO deployment_acks (deployment_id, terminal_id, in_roster, acked_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, id, terminalID, boolInt(res.InRoster), toNanos(at))
	if err != nil {
		return AckResult{}, fmt.Errorf("record ack: insert: %w", err)
	}
	n, err := ins.RowsAffected()
	if err != nil {
		return AckResult{}, fmt.Errorf("record ack: rows affected: %w", err)
	}
	res.New = n > 0

	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM deployment_acks WHERE deployment_id = ? AND in_roster = 1
	`, id).Scan(&res.Acked)
	if err != nil {
		return AckResult{}, fmt.Errorf("record ack: count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return AckResult{}, fmt.Errorf("record ack: commit: %w", err)
	}
	return res, nil
}

// FinishDeployment moves a broadcasting deployment to a terminal status.
// Returns ok=false if another caller already finished it.
func (s *Store) FinishDeployment(ctx context.Context, id string, status DeploymentStatus, message string, at time.Time) (ok bool, err error) {
	if !status.Terminal() {
		return false, fmt.Errorf("finish deployment %s: %s: %w", id, status, ErrDeploymentState)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE deployments
		SET status = ?, error_message = ?, finished_at = ?
		WHERE id = ? AND status = ?
	`, string(status), message, toNanos(at), id, string(DeploymentBroadcasting))
	if err != nil {
		return false, fmt.Errorf("finish deployment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finish deployment: rows affected: %w", err)
	}
	return n > 0, nil
}

// GetDeployment returns a deployment with its roster and acked terminals.
func (s *Store) GetDeployment(ctx context.Context, id string) (Deployment, error) {
	d, err := scanDeployment(s.reader.QueryRowContext(ctx, `
		SELECT `+deploymentColumns+` FROM deployments WHERE id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Deployment{}, fmt.Errorf("get deployment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Deployment{}, fmt.Errorf("get deployment %s: %w", id, err)
	}

	if d.Roster, err = s.terminalList(ctx, `
		SELECT terminal_id FROM deployment_roster WHERE deployment_id = ? ORDER BY terminal_id
	`, id); err != nil {
		return Deployment{}, fmt.Errorf("get deployment %s: roster: %w", id, err)
	}
	if d.Acked, err = s.terminalList(ctx, `
		SELECT terminal_id FROM deployment_acks
		WHERE deployment_id = ? AND in_roster = 1 ORDER BY terminal_id
	`, id); err != nil {
		return Deployment{}, fmt.Errorf("get deployment %s: acks: %w", id, err)
	}
	if d.Late, err = s.terminalList(ctx, `
		SELECT terminal_id FROM deployment_acks
		WHERE deployment_id = ? AND in_roster = 0 ORDER BY terminal_id
	`, id); err != nil {
		return Deployment{}, fmt.Errorf("get deployment %s: late acks: %w", id, err)
	}
	return d, nil
}

// ListDeployments returns deployments in status (any when empty), newest first.
func (s *Store) ListDeployments(ctx context.Context, status DeploymentStatus) ([]Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	out := []Deployment{}
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("list deployments: scan: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) terminalList(ctx context.Context, query, id string) ([]string, error) {
	rows, err := s.reader.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanDeployment(r rowScanner) (Deployment, error) {
	var (
		d                                      Deployment
		status                                 string
		created, broadcast, deadline, finished int64
	)
	err := r.Scan(&d.ID, &d.FileHash, &d.Version, &d.DownloadURL, &status, &d.Quorum,
		&d.TotalTerminals, &d.ErrorMessage, &created, &broadcast, &deadline, &finished)
	if err != nil {
		return Deployment{}, err
	}
	d.Status = DeploymentStatus(status)
	d.CreatedAt = fromNanos(created)
	d.BroadcastAt = fromNanos(broadcast)
	d.DeadlineAt = fromNanos(deadline)
	d.FinishedAt = fromNanos(finished)
	return d, nil
}
