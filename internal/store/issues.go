package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/oculairmedia/huly-vibe-sync/internal/model"
)

type issueRow struct {
	CanonicalID           string         `db:"canonical_id"`
	ProjectID             string         `db:"project_id"`
	Title                 string         `db:"title"`
	Description           string         `db:"description"`
	Status                string         `db:"status"`
	Priority              string         `db:"priority"`
	ForeignIDPM           string         `db:"foreign_id_pm"`
	ForeignIDTracker       string         `db:"foreign_id_tracker"`
	ForeignIDAgent        string         `db:"foreign_id_agent"`
	PMModifiedAt          sql.NullString `db:"pm_modified_at"`
	TrackerModifiedAt     sql.NullString `db:"tracker_modified_at"`
	PMStatusSnapshot      string         `db:"pm_status_snapshot"`
	TrackerStatusSnapshot string         `db:"tracker_status_snapshot"`
	ParentID              string         `db:"parent_id"`
	SubIssueCount         int            `db:"sub_issue_count"`
	ContentHash           string         `db:"content_hash"`
	RemovedFromPM         bool           `db:"removed_from_pm"`
	RemovedFromTracker    bool           `db:"removed_from_tracker"`
	CreatedAt             string         `db:"created_at"`
	UpdatedAt             string         `db:"updated_at"`
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullableTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339Nano), Valid: true}
}

func (r *issueRow) toModel() *model.Issue {
	iss := &model.Issue{
		CanonicalID:           r.CanonicalID,
		ProjectID:             r.ProjectID,
		Title:                 r.Title,
		Description:           r.Description,
		Status:                model.Status(r.Status),
		Priority:              model.Priority(r.Priority),
		ForeignIDPM:           r.ForeignIDPM,
		ForeignIDTracker:      r.ForeignIDTracker,
		ForeignIDAgent:        r.ForeignIDAgent,
		PMStatusSnapshot:      r.PMStatusSnapshot,
		TrackerStatusSnapshot: r.TrackerStatusSnapshot,
		ParentID:              r.ParentID,
		SubIssueCount:         r.SubIssueCount,
		ContentHash:           r.ContentHash,
		RemovedFromPM:         r.RemovedFromPM,
		RemovedFromTracker:    r.RemovedFromTracker,
		CreatedAt:             parseTime(r.CreatedAt),
		UpdatedAt:             parseTime(r.UpdatedAt),
	}
	if r.PMModifiedAt.Valid {
		iss.PMModifiedAt = parseTime(r.PMModifiedAt.String)
	}
	if r.TrackerModifiedAt.Valid {
		iss.TrackerModifiedAt = parseTime(r.TrackerModifiedAt.String)
	}
	return iss
}

func issueFromModel(i *model.Issue) *issueRow {
	return &issueRow{
		CanonicalID:           i.CanonicalID,
		ProjectID:             i.ProjectID,
		Title:                 i.Title,
		Description:           i.Description,
		Status:                string(i.Status),
		Priority:              string(i.Priority),
		ForeignIDPM:           i.ForeignIDPM,
		ForeignIDTracker:      i.ForeignIDTracker,
		ForeignIDAgent:        i.ForeignIDAgent,
		PMModifiedAt:          nullableTime(i.PMModifiedAt),
		TrackerModifiedAt:     nullableTime(i.TrackerModifiedAt),
		PMStatusSnapshot:      i.PMStatusSnapshot,
		TrackerStatusSnapshot: i.TrackerStatusSnapshot,
		ParentID:              i.ParentID,
		SubIssueCount:         i.SubIssueCount,
		ContentHash:           i.ContentHash,
		RemovedFromPM:         i.RemovedFromPM,
		RemovedFromTracker:    i.RemovedFromTracker,
		CreatedAt:             i.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:             i.UpdatedAt.Format(time.RFC3339Nano),
	}
}

// GetIssue returns an issue by canonical ID.
func (s *Store) GetIssue(ctx context.Context, canonicalID string) (*model.Issue, error) {
	var row issueRow
	err := s.withRetry(ctx, func() error {
		return s.db.GetContext(ctx, &row, `SELECT * FROM issues WHERE canonical_id = ?`, canonicalID)
	})
	if err != nil {
		return nil, wrapErr("store", "GetIssue", err)
	}
	return row.toModel(), nil
}

// ProjectIssues returns every issue belonging to a project.
func (s *Store) ProjectIssues(ctx context.Context, projectID string) ([]*model.Issue, error) {
	var rows []issueRow
	err := s.withRetry(ctx, func() error {
		return s.db.SelectContext(ctx, &rows, `SELECT * FROM issues WHERE project_id = ?`, projectID)
	})
	if err != nil {
		return nil, wrapErr("store", "ProjectIssues", err)
	}
	return toIssueModels(rows), nil
}

// IssueByForeignID looks up an issue by the foreign identifier it holds in
// one of the three external systems. Used by the dedup index to resolve a
// webhook/journal event back to a canonical row.
func (s *Store) IssueByForeignID(ctx context.Context, system model.System, foreignID string) (*model.Issue, error) {
	col, err := foreignIDColumn(system)
	if err != nil {
		return nil, err
	}
	var row issueRow
	q := `SELECT * FROM issues WHERE ` + col + ` = ? AND ` + col + ` != ''`
	getErr := s.withRetry(ctx, func() error {
		return s.db.GetContext(ctx, &row, q, foreignID)
	})
	if getErr != nil {
		return nil, wrapErr("store", "IssueByForeignID", getErr)
	}
	return row.toModel(), nil
}

// IssuesWithForeignID returns every issue in a project that has a non-empty
// foreign ID for the given system, used by the reconciler to detect rows
// whose remote counterpart may have disappeared.
func (s *Store) IssuesWithForeignID(ctx context.Context, projectID string, system model.System) ([]*model.Issue, error) {
	col, err := foreignIDColumn(system)
	if err != nil {
		return nil, err
	}
	var rows []issueRow
	q := `SELECT * FROM issues WHERE project_id = ? AND ` + col + ` != ''`
	getErr := s.withRetry(ctx, func() error {
		return s.db.SelectContext(ctx, &rows, q, projectID)
	})
	if getErr != nil {
		return nil, wrapErr("store", "IssuesWithForeignID", getErr)
	}
	return toIssueModels(rows), nil
}

func foreignIDColumn(system model.System) (string, error) {
	switch system {
	case model.SystemPM:
		return "foreign_id_pm", nil
	case model.SystemTracker:
		return "foreign_id_tracker", nil
	case model.SystemAgents:
		return "foreign_id_agent", nil
	default:
		return "", wrapErr("store", "foreignIDColumn", sql.ErrNoRows)
	}
}

func toIssueModels(rows []issueRow) []*model.Issue {
	out := make([]*model.Issue, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out
}

const upsertIssueSQL = `
	INSERT INTO issues (canonical_id, project_id, title, description, status, priority,
		foreign_id_pm, foreign_id_tracker, foreign_id_agent,
		pm_modified_at, tracker_modified_at, pm_status_snapshot, tracker_status_snapshot,
		parent_id, sub_issue_count, content_hash, removed_from_pm, removed_from_tracker,
		created_at, updated_at)
	VALUES (:canonical_id, :project_id, :title, :description, :status, :priority,
		:foreign_id_pm, :foreign_id_tracker, :foreign_id_agent,
		:pm_modified_at, :tracker_modified_at, :pm_status_snapshot, :tracker_status_snapshot,
		:parent_id, :sub_issue_count, :content_hash, :removed_from_pm, :removed_from_tracker,
		:created_at, :updated_at)
	ON CONFLICT(canonical_id) DO UPDATE SET
		project_id = excluded.project_id,
		title = excluded.title,
		description = excluded.description,
		status = excluded.status,
		priority = excluded.priority,
		foreign_id_pm = excluded.foreign_id_pm,
		foreign_id_tracker = excluded.foreign_id_tracker,
		foreign_id_agent = excluded.foreign_id_agent,
		pm_modified_at = excluded.pm_modified_at,
		tracker_modified_at = excluded.tracker_modified_at,
		pm_status_snapshot = excluded.pm_status_snapshot,
		tracker_status_snapshot = excluded.tracker_status_snapshot,
		parent_id = excluded.parent_id,
		sub_issue_count = excluded.sub_issue_count,
		content_hash = excluded.content_hash,
		removed_from_pm = excluded.removed_from_pm,
		removed_from_tracker = excluded.removed_from_tracker,
		updated_at = excluded.updated_at`

// UpsertIssue inserts or fully replaces an issue row keyed by CanonicalID.
// CreatedAt/UpdatedAt are written as the caller set them; on conflict the
// stored created_at is kept and updated_at is replaced.
func (s *Store) UpsertIssue(ctx context.Context, i *model.Issue) error {
	row := issueFromModel(i)
	err := s.withRetry(ctx, func() error {
		_, err := s.db.NamedExecContext(ctx, upsertIssueSQL, row)
		return err
	})
	if err != nil {
		return wrapErr("store", "UpsertIssue", err)
	}
	return nil
}

// DeleteIssue permanently removes an issue row. Used only by the
// reconciler's hard_delete mode; every other deletion path is the soft
// removed-from-X marker UpsertIssue already supports.
func (s *Store) DeleteIssue(ctx context.Context, canonicalID string) error {
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM issues WHERE canonical_id = ?`, canonicalID)
		return err
	})
	if err != nil {
		return wrapErr("store", "DeleteIssue", err)
	}
	return nil
}
