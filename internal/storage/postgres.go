package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"popup-policy-engine/internal/config"
	"popup-policy-engine/internal/observability"
	"popup-policy-engine/internal/popup"
)

//go:embed schema.sql
var schema string

type Store struct {
	pool *pgxpool.Pool
}

// Policy kinds, also used as metric labels.
const (
	KindEmergency = "emergency"
	KindUpdate    = "update"
	KindNotice    = "notice"
)

// PolicyRows is the newest policy of each kind per app, as stored.
type PolicyRows struct {
	Emergency []popup.EmergencyPolicy
	Update    []popup.UpdatePolicy
	Notice    []popup.NoticePolicy

	// Skipped counts entries that could not be decoded and were left out.
	Skipped int
	// Stale names the kinds that could not be loaded at all. Consumers keep
	// their previous policies of those kinds.
	Stale []string
}

// IsStale reports whether kind failed to load.
func (r PolicyRows) IsStale(kind string) bool {
	for _, k := range r.Stale {
		if k == kind {
			return true
		}
	}
	return false
}

func New(ctx context.Context, cfg config.Config) (*Store, error) {
	dsn := cfg.DSN()
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres DSN: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Postgres.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.Postgres.MaxIdleConns)
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate creates the tables and change-notification triggers if missing.
// The triggers notify on channel, which must match the listener's.
func (s *Store) Migrate(ctx context.Context, channel string) error {
	ddl, err := renderSchema(channel)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// renderSchema fills the notification channel into the schema as a SQL string
// literal. The literal sits inside a dollar-quoted function body.
func renderSchema(channel string) (string, error) {
	if channel == "" {
		return "", errors.New("empty notification channel")
	}
	if strings.Contains(channel, "$") {
		return "", fmt.Errorf("notification channel %q: '$' is not allowed", channel)
	}
	lit := "'" + strings.ReplaceAll(channel, "'", "''") + "'"
	return strings.ReplaceAll(schema, "{{channel}}", lit), nil
}

// LoadPolicies loads the newest emergency, update and notice policy of every app.
// Inactive rows are returned too so that deactivating a policy takes effect.
// Each kind is loaded on its own: a failing table is logged and reported in
// Stale, and an error is returned only when no kind could be loaded.
func (s *Store) LoadPolicies(ctx context.Context) (PolicyRows, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var out PolicyRows
	var err error
	out.Stale, err = loadKinds(ctx, []kindLoader{
		{KindEmergency, func(ctx context.Context) (err error) {
			out.Emergency, err = s.loadEmergency(ctx)
			return err
		}},
		{KindUpdate, func(ctx context.Context) (err error) {
			out.Update, err = s.loadUpdate(ctx)
			return err
		}},
		{KindNotice, func(ctx context.Context) (err error) {
			out.Notice, err = s.loadNotice(ctx)
			return err
		}},
	})
	if err != nil {
		return PolicyRows{}, err
	}
	return out, nil
}

type kindLoader struct {
	kind string
	load func(context.Context) error
}

// loadKinds runs every loader and returns the kinds that failed. The error is
// non-nil only when all of them failed.
func loadKinds(ctx context.Context, loaders []kindLoader) ([]string, error) {
	var stale []string
	var errs []error
	for _, l := range loaders {
		if err := l.load(ctx); err != nil {
			stale = append(stale, l.kind)
			errs = append(errs, err)
			observability.PolicyFetchErrors.WithLabelValues(l.kind).Inc()
			log.Error().Err(err).Str("tier", l.kind).Msg("policy table unavailable; keeping previous policies")
		}
	}
	if len(loaders) > 0 && len(errs) == len(loaders) {
		return stale, errors.Join(errs...)
	}
	return stale, nil
}

func (s *Store) loadEmergency(ctx context.Context) ([]popup.EmergencyPolicy, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (app_id)
		       app_id, is_active, content, redirect_url, button_text, is_dismissible
		FROM emergency_policies
		ORDER BY app_id, updated_at DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query emergency policies: %w", err)
	}
	defer rows.Close()

	var out []popup.EmergencyPolicy
	for rows.Next() {
		var (
			p                   popup.EmergencyPolicy
			redirect, buttonTxt sql.NullString
		)
		if err := rows.Scan(&p.AppID, &p.IsActive, &p.Content, &redirect, &buttonTxt, &p.IsDismissible); err != nil {
			return nil, fmt.Errorf("scan emergency policy: %w", err)
		}
		p.RedirectURL = redirect.String
		p.ButtonText = buttonTxt.String
		out = append(out, p)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (s *Store) loadUpdate(ctx context.Context) ([]popup.UpdatePolicy, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (app_id)
		       app_id, is_active, target_version_code, is_force_update,
		       release_notes, download_url, reshow_interval_hours, max_later_count
		FROM update_policies
		ORDER BY app_id, updated_at DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query update policies: %w", err)
	}
	defer rows.Close()

	var out []popup.UpdatePolicy
	for rows.Next() {
		var (
			p             popup.UpdatePolicy
			target        sql.NullInt32
			notes, dlLink sql.NullString
		)
		if err := rows.Scan(&p.AppID, &p.IsActive, &target, &p.IsForceUpdate,
			&notes, &dlLink, &p.ReshowIntervalHours, &p.MaxLaterCount); err != nil {
			return nil, fmt.Errorf("scan update policy: %w", err)
		}
		// a NULL target stays 0 and fails validation downstream
		p.TargetVersionCode = int(target.Int32)
		p.ReleaseNotes = notes.String
		p.DownloadURL = dlLink.String
		out = append(out, p)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (s *Store) loadNotice(ctx context.Context) ([]popup.NoticePolicy, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (app_id)
		       app_id, is_active, title, content, notice_version
		FROM notice_policies
		ORDER BY app_id, updated_at DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query notice policies: %w", err)
	}
	defer rows.Close()

	var out []popup.NoticePolicy
	for rows.Next() {
		var (
			p     popup.NoticePolicy
			title sql.NullString
		)
		if err := rows.Scan(&p.AppID, &p.IsActive, &title, &p.Content, &p.NoticeVersion); err != nil {
			return nil, fmt.Errorf("scan notice policy: %w", err)
		}
		p.Title = title.String
		out = append(out, p)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (s *Store) LoadDismissal(ctx context.Context, sub popup.Subject) (popup.DismissalState, error) {
	var st popup.DismissalState
	err := s.pool.QueryRow(ctx, `
		SELECT later_count, last_later_time_millis, last_seen_notice_version
		FROM popup_dismissals
		WHERE app_id = $1 AND device_id = $2
	`, sub.AppID, sub.DeviceID).Scan(&st.LaterCount, &st.LastLaterTimeMillis, &st.LastSeenNoticeVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return popup.DismissalState{}, nil
	}
	if err != nil {
		return popup.DismissalState{}, fmt.Errorf("load dismissal %s: %w", sub, err)
	}
	return st, nil
}

func (s *Store) RecordLater(ctx context.Context, sub popup.Subject, at time.Time) (popup.DismissalState, error) {
	var st popup.DismissalState
	err := s.pool.QueryRow(ctx, `
		INSERT INTO popup_dismissals (app_id, device_id, later_count, last_later_time_millis)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (app_id, device_id) DO UPDATE
		SET later_count            = popup_dismissals.later_count + 1,
		    last_later_time_millis = EXCLUDED.last_later_time_millis,
		    updated_at             = now()
		RETURNING later_count, last_later_time_millis, last_seen_notice_version
	`, sub.AppID, sub.DeviceID, at.UnixMilli()).Scan(&st.LaterCount, &st.LastLaterTimeMillis, &st.LastSeenNoticeVersion)
	if err != nil {
		return popup.DismissalState{}, fmt.Errorf("record later %s: %w", sub, err)
	}
	return st, nil
}

func (s *Store) RecordNoticeSeen(ctx context.Context, sub popup.Subject, version int) (popup.DismissalState, error) {
	var st popup.DismissalState
	err := s.pool.QueryRow(ctx, `
		INSERT INTO popup_dismissals (app_id, device_id, last_seen_notice_version)
		VALUES ($1, $2, $3)
		ON CONFLICT (app_id, device_id) DO UPDATE
		SET last_seen_notice_version = GREATEST(popup_dismissals.last_seen_notice_version, EXCLUDED.last_seen_notice_version),
		    updated_at               = now()
		RETURNING later_count, last_later_time_millis, last_seen_notice_version
	`, sub.AppID, sub.DeviceID, version).Scan(&st.LaterCount, &st.LastLaterTimeMillis, &st.LastSeenNoticeVersion)
	if err != nil {
		return popup.DismissalState{}, fmt.Errorf("record notice seen %s: %w", sub, err)
	}
	return st, nil
}

func (s *Store) PgxPool() *pgxpool.Pool {
	if s.pool == nil {
		panic(errors.New("pgx pool is nil"))
	}
	return s.pool
}
