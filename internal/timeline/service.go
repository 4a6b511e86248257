package timeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/KafClaw/KafPanel/internal/panel"
	_ "modernc.org/sqlite"
)

const timeLayout = time.RFC3339Nano

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db    *sql.DB
	locks *panelLocks
}

// NewSQLiteStore opens (or creates) the database at dbPath and applies the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open panel db: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db, locks: newPanelLocks()}, nil
}

// DB returns the underlying *sql.DB.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *SQLiteStore) CreatePanel(ctx context.Context, p *panel.Panel) error {
	experts, err := json.Marshal(p.Experts)
	if err != nil {
		return fmt.Errorf("marshal experts: %w", err)
	}
	cfg, err := json.Marshal(p.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	release := s.locks.Lock(p.ID)
	defer release()

	_, err = s.db.ExecContext(ctx, `INSERT INTO panels
		(id, tenant, title, prompt, experts, mode, config, status, current_round, error_text, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Tenant, p.Title, p.Prompt, string(experts), string(p.Mode), string(cfg),
		string(p.Status), p.CurrentRound, p.Error, formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("panel %s: %w", p.ID, ErrDuplicate)
		}
		return fmt.Errorf("insert panel: %w", err)
	}
	return nil
}

const panelColumns = `id, tenant, COALESCE(title,''), prompt, experts, mode, config, status, current_round, COALESCE(error_text,''), created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPanel(row rowScanner) (*panel.Panel, error) {
	var (
		p                    panel.Panel
		experts, cfg         string
		mode, status         string
		createdAt, updatedAt string
	)
	if err := row.Scan(&p.ID, &p.Tenant, &p.Title, &p.Prompt, &experts, &mode, &cfg, &status,
		&p.CurrentRound, &p.Error, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(experts), &p.Experts); err != nil {
		return nil, fmt.Errorf("decode experts: %w", err)
	}
	if err := json.Unmarshal([]byte(cfg), &p.Config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	p.Mode = panel.Mode(mode)
	p.Status = panel.Status(status)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

func (s *SQLiteStore) GetPanel(ctx context.Context, id string) (*panel.Panel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+panelColumns+` FROM panels WHERE id = ?`, id)
	p, err := scanPanel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("panel %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get panel: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) ListPanels(ctx context.Context, filter PanelFilter) ([]panel.Panel, error) {
	query := `SELECT ` + panelColumns + ` FROM panels WHERE 1=1`
	args := []any{}
	if filter.Tenant != "" {
		query += " AND tenant = ?"
		args = append(args, filter.Tenant)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += " AND status IN (" + strings.Join(marks, ",") + ")"
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list panels: %w", err)
	}
	defer rows.Close()

	var out []panel.Panel
	for rows.Next() {
		p, err := scanPanel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdatePanelState(ctx context.Context, id string, st PanelState) error {
	release := s.locks.Lock(id)
	defer release()

	res, err := s.db.ExecContext(ctx, `UPDATE panels
		SET status = ?, current_round = ?, error_text = ?, updated_at = ?
		WHERE id = ?`,
		string(st.Status), st.CurrentRound, st.Error, formatTime(st.UpdatedAt), id)
	if err != nil {
		return fmt.Errorf("update panel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("panel %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) CreateRound(ctx context.Context, r *panel.Round) error {
	release := s.locks.Lock(r.PanelID)
	defer release()

	var last int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(round_number), 0) FROM panel_rounds WHERE panel_id = ?`, r.PanelID).Scan(&last); err != nil {
		return fmt.Errorf("read last round: %w", err)
	}
	if r.Number != last+1 {
		return fmt.Errorf("round %d after %d: %w", r.Number, last, ErrRoundOrder)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO panel_rounds (panel_id, round_number, status, started_at)
		VALUES (?, ?, ?, ?)`, r.PanelID, r.Number, string(r.Status), formatTime(r.StartedAt))
	if err != nil {
		return fmt.Errorf("insert round: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CloseRound(ctx context.Context, panelID string, number int, status panel.RoundStatus, endedAt time.Time) error {
	release := s.locks.Lock(panelID)
	defer release()

	res, err := s.db.ExecContext(ctx, `UPDATE panel_rounds SET status = ?, ended_at = ?
		WHERE panel_id = ? AND round_number = ? AND status = ?`,
		string(status), formatTime(endedAt), panelID, number, string(panel.RoundInProgress))
	if err != nil {
		return fmt.Errorf("close round: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.roundStatus(ctx, panelID, number); err != nil {
			return err
		}
		return fmt.Errorf("round %d: %w", number, ErrRoundClosed)
	}
	return nil
}

func (s *SQLiteStore) roundStatus(ctx context.Context, panelID string, number int) (panel.RoundStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM panel_rounds WHERE panel_id = ? AND round_number = ?`,
		panelID, number).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("round %d: %w", number, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("read round: %w", err)
	}
	return panel.RoundStatus(status), nil
}

func (s *SQLiteStore) ListRounds(ctx context.Context, panelID string) ([]panel.Round, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT panel_id, round_number, status, started_at, COALESCE(ended_at,'')
		FROM panel_rounds WHERE panel_id = ? ORDER BY round_number`, panelID)
	if err != nil {
		return nil, fmt.Errorf("list rounds: %w", err)
	}
	defer rows.Close()

	var out []panel.Round
	for rows.Next() {
		var (
			r                  panel.Round
			status             string
			startedAt, endedAt string
		)
		if err := rows.Scan(&r.PanelID, &r.Number, &status, &startedAt, &endedAt); err != nil {
			return nil, err
		}
		r.Status = panel.RoundStatus(status)
		r.StartedAt = parseTime(startedAt)
		if endedAt != "" {
			t := parseTime(endedAt)
			r.EndedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AddResponse(ctx context.Context, r *panel.ExpertResponse) error {
	var metadata string
	if len(r.Metadata) > 0 {
		b, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metadata = string(b)
	}
	var failureKind, failureMsg string
	if r.Failure != nil {
		failureKind = string(r.Failure.Kind)
		failureMsg = r.Failure.Message
	}
	var confidence any
	if r.Confidence != nil {
		confidence = *r.Confidence
	}

	release := s.locks.Lock(r.PanelID)
	defer release()

	status, err := s.roundStatus(ctx, r.PanelID, r.Round)
	if err != nil {
		return err
	}
	if status.Closed() {
		return fmt.Errorf("round %d: %w", r.Round, ErrRoundClosed)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO expert_responses
		(panel_id, round_number, expert_id, sequence, text, confidence, metadata, failure_kind, failure_message, started_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.PanelID, r.Round, r.ExpertID, r.Sequence, r.Text, confidence, metadata,
		failureKind, failureMsg, formatTime(r.StartedAt), formatTime(r.ResolvedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("response %s/%d/%s: %w", r.PanelID, r.Round, r.ExpertID, ErrDuplicate)
		}
		return fmt.Errorf("insert response: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListResponses(ctx context.Context, panelID string, throughRound int) ([]panel.ExpertResponse, error) {
	query := `SELECT panel_id, round_number, expert_id, sequence, COALESCE(text,''), confidence, COALESCE(metadata,''),
		COALESCE(failure_kind,''), COALESCE(failure_message,''), started_at, resolved_at
		FROM expert_responses WHERE panel_id = ?`
	args := []any{panelID}
	if throughRound > 0 {
		query += " AND round_number <= ?"
		args = append(args, throughRound)
	}
	query += " ORDER BY sequence"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	defer rows.Close()

	var out []panel.ExpertResponse
	for rows.Next() {
		var (
			r                     panel.ExpertResponse
			confidence            sql.NullFloat64
			metadata              string
			failureKind, failure  string
			startedAt, resolvedAt string
		)
		if err := rows.Scan(&r.PanelID, &r.Round, &r.ExpertID, &r.Sequence, &r.Text, &confidence, &metadata,
			&failureKind, &failure, &startedAt, &resolvedAt); err != nil {
			return nil, err
		}
		if confidence.Valid {
			r.Confidence = panel.Float(confidence.Float64)
		}
		if metadata != "" {
			if err := json.Unmarshal([]byte(metadata), &r.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		if failureKind != "" {
			r.Failure = &panel.Failure{Kind: panel.FailureKind(failureKind), Message: failure}
		}
		r.StartedAt = parseTime(startedAt)
		r.ResolvedAt = parseTime(resolvedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveConsensus(ctx context.Context, snap *panel.ConsensusSnapshot) error {
	agree, err := json.Marshal(nonNil(snap.AgreementPoints))
	if err != nil {
		return err
	}
	disagree, err := json.Marshal(nonNil(snap.DisagreementPoints))
	if err != nil {
		return err
	}
	release := s.locks.Lock(snap.PanelID)
	defer release()

	_, err = s.db.ExecContext(ctx, `INSERT INTO consensus_snapshots
		(panel_id, round_number, level, agreement_points, disagreement_points, response_count, strategy)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.PanelID, snap.Round, snap.Level, string(agree), string(disagree), snap.ResponseCount, snap.Strategy)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("consensus %s/%d: %w", snap.PanelID, snap.Round, ErrDuplicate)
		}
		return fmt.Errorf("insert consensus: %w", err)
	}
	return nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func (s *SQLiteStore) ListConsensus(ctx context.Context, panelID string) ([]panel.ConsensusSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT panel_id, round_number, level, agreement_points, disagreement_points,
		response_count, COALESCE(strategy,'') FROM consensus_snapshots WHERE panel_id = ? ORDER BY round_number`, panelID)
	if err != nil {
		return nil, fmt.Errorf("list consensus: %w", err)
	}
	defer rows.Close()

	var out []panel.ConsensusSnapshot
	for rows.Next() {
		var (
			snap            panel.ConsensusSnapshot
			agree, disagree string
		)
		if err := rows.Scan(&snap.PanelID, &snap.Round, &snap.Level, &agree, &disagree,
			&snap.ResponseCount, &snap.Strategy); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(agree), &snap.AgreementPoints); err != nil {
			return nil, fmt.Errorf("decode agreement points: %w", err)
		}
		if err := json.Unmarshal([]byte(disagree), &snap.DisagreementPoints); err != nil {
			return nil, fmt.Errorf("decode disagreement points: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, e EventRecord) error {
	release := s.locks.Lock(e.PanelID)
	defer release()

	last, err := s.lastSequence(ctx, e.PanelID)
	if err != nil {
		return err
	}
	if e.Sequence != last+1 {
		return fmt.Errorf("append %d after %d: %w", e.Sequence, last, ErrSequenceConflict)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO panel_events (panel_id, sequence, event_type, data, timestamp)
		VALUES (?, ?, ?, ?, ?)`, e.PanelID, e.Sequence, e.Type, string(e.Data), formatTime(e.Timestamp))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, panelID string, after int64, limit int) ([]EventRecord, error) {
	query := `SELECT panel_id, sequence, event_type, data, timestamp FROM panel_events
		WHERE panel_id = ? AND sequence > ? ORDER BY sequence`
	args := []any{panelID, after}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var (
			e        EventRecord
			data, ts string
		)
		if err := rows.Scan(&e.PanelID, &e.Sequence, &e.Type, &data, &ts); err != nil {
			return nil, err
		}
		e.Data = json.RawMessage(data)
		e.Timestamp = parseTime(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LastEventSequence(ctx context.Context, panelID string) (int64, error) {
	return s.lastSequence(ctx, panelID)
}

func (s *SQLiteStore) lastSequence(ctx context.Context, panelID string) (int64, error) {
	var last int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM panel_events WHERE panel_id = ?`,
		panelID).Scan(&last); err != nil {
		return 0, fmt.Errorf("read last sequence: %w", err)
	}
	return last, nil
}
