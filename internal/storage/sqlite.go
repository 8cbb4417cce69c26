// Package storage persists profiles, sections, and execution records in
// SQLite. The pipeline reads profiles through this store; the admin API
// owns all writes.
package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mkaran/stanza/internal/persona"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "stanza.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies embedded SQL migration files that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func marshalList(v []string) string {
	if v == nil {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func unmarshalList(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var out []string
	json.Unmarshal([]byte(s), &out)
	return out
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// --- Profiles ---

const profileColumns = `id, name, slug, version, domain, sectors, complexity, tags,
	short_description, long_description, key_skills, tools, example_tasks, limitations,
	identity, mission, personality, base_params, status, visibility,
	times_used, avg_rating, rating_count, lineage_id, parent_id, is_primary,
	created_by, updated_by, created_at, updated_at, deleted_at`

// CreateProfile inserts a profile. An empty LineageID starts a new lineage
// rooted at the profile's own id.
func (s *Store) CreateProfile(p persona.Profile) error {
	if p.LineageID == "" {
		p.LineageID = p.ID
	}
	params, err := json.Marshal(p.BaseParams)
	if err != nil {
		return fmt.Errorf("marshalling base params: %w", err)
	}
	now := formatTime(time.Now())
	createdAt, updatedAt := now, now
	if !p.CreatedAt.IsZero() {
		createdAt = formatTime(p.CreatedAt)
	}
	if !p.UpdatedAt.IsZero() {
		updatedAt = formatTime(p.UpdatedAt)
	}
	_, err = s.db.Exec(`
		INSERT INTO profiles (`+profileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		p.ID, p.Name, p.Slug, p.Version, p.Domain, marshalList(p.Sectors), p.Complexity, marshalList(p.Tags),
		p.ShortDescription, p.LongDescription, marshalList(p.KeySkills), marshalList(p.Tools),
		marshalList(p.ExampleTasks), marshalList(p.Limitations),
		p.Identity, p.Mission, p.Personality, string(params), string(p.Status), string(p.Visibility),
		p.TimesUsed, p.AvgRating, p.RatingCount, p.LineageID, nullString(p.ParentID), boolToInt(p.Primary),
		p.CreatedBy, p.UpdatedBy, createdAt, updatedAt,
	)
	return err
}

// GetProfile returns a live profile with its sections ordered by position.
func (s *Store) GetProfile(id string) (persona.Profile, error) {
	row := s.db.QueryRow(`SELECT `+profileColumns+` FROM profiles WHERE id = ? AND deleted_at IS NULL`, id)
	p, err := scanProfile(row)
	if err != nil {
		return persona.Profile{}, err
	}
	sections, err := s.ListSections(id)
	if err != nil {
		return persona.Profile{}, fmt.Errorf("loading sections for profile %s: %w", id, err)
	}
	p.Sections = sections
	return p, nil
}

// GetProfileBySlug returns the live profile with the given slug.
func (s *Store) GetProfileBySlug(slug string) (persona.Profile, error) {
	row := s.db.QueryRow(`SELECT `+profileColumns+` FROM profiles WHERE slug = ? AND deleted_at IS NULL`, slug)
	p, err := scanProfile(row)
	if err != nil {
		return persona.Profile{}, err
	}
	sections, err := s.ListSections(p.ID)
	if err != nil {
		return persona.Profile{}, fmt.Errorf("loading sections for profile %s: %w", p.ID, err)
	}
	p.Sections = sections
	return p, nil
}

// ListProfiles returns live profiles without their sections, newest first.
func (s *Store) ListProfiles(limit int) ([]persona.Profile, error) {
	rows, err := s.db.Query(`SELECT `+profileColumns+` FROM profiles
		WHERE deleted_at IS NULL ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []persona.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProfile rewrites a profile's mutable fields.
func (s *Store) UpdateProfile(p persona.Profile) error {
	params, err := json.Marshal(p.BaseParams)
	if err != nil {
		return fmt.Errorf("marshalling base params: %w", err)
	}
	res, err := s.db.Exec(`
		UPDATE profiles SET name = ?, slug = ?, version = ?, domain = ?, sectors = ?, complexity = ?,
			tags = ?, short_description = ?, long_description = ?, key_skills = ?, tools = ?,
			example_tasks = ?, limitations = ?, identity = ?, mission = ?, personality = ?,
			base_params = ?, status = ?, visibility = ?, updated_by = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		p.Name, p.Slug, p.Version, p.Domain, marshalList(p.Sectors), p.Complexity,
		marshalList(p.Tags), p.ShortDescription, p.LongDescription, marshalList(p.KeySkills), marshalList(p.Tools),
		marshalList(p.ExampleTasks), marshalList(p.Limitations), p.Identity, p.Mission, p.Personality,
		string(params), string(p.Status), string(p.Visibility), p.UpdatedBy, formatTime(time.Now()),
		p.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SoftDeleteProfile marks a profile deleted, freeing its slug.
func (s *Store) SoftDeleteProfile(id string) error {
	res, err := s.db.Exec(`UPDATE profiles SET deleted_at = ?, is_primary = 0 WHERE id = ? AND deleted_at IS NULL`,
		formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetPrimary makes the profile the primary version of its lineage,
// demoting any current primary in one transaction.
func (s *Store) SetPrimary(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var lineage string
	err = tx.QueryRow(`SELECT lineage_id FROM profiles WHERE id = ? AND deleted_at IS NULL`, id).Scan(&lineage)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`UPDATE profiles SET is_primary = 0 WHERE lineage_id = ? AND deleted_at IS NULL`, lineage); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE profiles SET is_primary = 1 WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// IncrementUsage bumps the profile's times-used counter.
func (s *Store) IncrementUsage(id string) error {
	res, err := s.db.Exec(`UPDATE profiles SET times_used = times_used + 1 WHERE id = ? AND deleted_at IS NULL`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// AddRating folds a rating into the profile's running average.
func (s *Store) AddRating(id string, rating float64) error {
	res, err := s.db.Exec(`
		UPDATE profiles SET
			avg_rating = (avg_rating * rating_count + ?) / (rating_count + 1),
			rating_count = rating_count + 1
		WHERE id = ? AND deleted_at IS NULL`, rating, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (persona.Profile, error) {
	var p persona.Profile
	var sectors, tags, skills, tools, tasks, limitations, params string
	var status, visibility string
	var parentID, deletedAt sql.NullString
	var isPrimary int
	var createdAt, updatedAt string

	err := row.Scan(&p.ID, &p.Name, &p.Slug, &p.Version, &p.Domain, &sectors, &p.Complexity, &tags,
		&p.ShortDescription, &p.LongDescription, &skills, &tools, &tasks, &limitations,
		&p.Identity, &p.Mission, &p.Personality, &params, &status, &visibility,
		&p.TimesUsed, &p.AvgRating, &p.RatingCount, &p.LineageID, &parentID, &isPrimary,
		&p.CreatedBy, &p.UpdatedBy, &createdAt, &updatedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return persona.Profile{}, ErrNotFound
	}
	if err != nil {
		return persona.Profile{}, err
	}

	p.Sectors = unmarshalList(sectors)
	p.Tags = unmarshalList(tags)
	p.KeySkills = unmarshalList(skills)
	p.Tools = unmarshalList(tools)
	p.ExampleTasks = unmarshalList(tasks)
	p.Limitations = unmarshalList(limitations)
	if err := json.Unmarshal([]byte(params), &p.BaseParams); err != nil {
		return persona.Profile{}, fmt.Errorf("parsing base params for %s: %w", p.ID, err)
	}
	p.Status = persona.Status(status)
	p.Visibility = persona.Visibility(visibility)
	p.ParentID = parentID.String
	p.Primary = isPrimary != 0
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return persona.Profile{}, fmt.Errorf("parsing created_at for %s: %w", p.ID, err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return persona.Profile{}, fmt.Errorf("parsing updated_at for %s: %w", p.ID, err)
	}
	if deletedAt.Valid {
		t, err := parseTime(deletedAt.String)
		if err != nil {
			return persona.Profile{}, fmt.Errorf("parsing deleted_at for %s: %w", p.ID, err)
		}
		p.DeletedAt = &t
	}
	return p, nil
}

// --- Sections ---

const sectionColumns = `id, profile_id, name, type, position, keywords, weight, template,
	example, depends_on, excludes, mandatory, active, created_at, updated_at`

// CreateSection inserts a section under its owning profile.
func (s *Store) CreateSection(sec persona.Section) error {
	now := formatTime(time.Now())
	createdAt, updatedAt := now, now
	if !sec.CreatedAt.IsZero() {
		createdAt = formatTime(sec.CreatedAt)
	}
	if !sec.UpdatedAt.IsZero() {
		updatedAt = formatTime(sec.UpdatedAt)
	}
	_, err := s.db.Exec(`
		INSERT INTO sections (`+sectionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sec.ID, sec.ProfileID, sec.Name, sec.Type, sec.Position, marshalList(sec.Keywords), sec.Weight,
		sec.Template, sec.Example, marshalList(sec.DependsOn), marshalList(sec.Excludes),
		boolToInt(sec.Mandatory), boolToInt(sec.Active), createdAt, updatedAt,
	)
	return err
}

// GetSection returns one section by id.
func (s *Store) GetSection(id string) (persona.Section, error) {
	row := s.db.QueryRow(`SELECT `+sectionColumns+` FROM sections WHERE id = ?`, id)
	return scanSection(row)
}

// CountSections returns how many sections a profile has.
func (s *Store) CountSections(profileID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sections WHERE profile_id = ?`, profileID).Scan(&n)
	return n, err
}

// ListSections returns a profile's sections ordered by position, then id.
func (s *Store) ListSections(profileID string) ([]persona.Section, error) {
	rows, err := s.db.Query(`SELECT `+sectionColumns+` FROM sections
		WHERE profile_id = ? ORDER BY position, id`, profileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []persona.Section
	for rows.Next() {
		sec, err := scanSection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sec)
	}
	return out, rows.Err()
}

// UpdateSection rewrites a section's mutable fields.
func (s *Store) UpdateSection(sec persona.Section) error {
	res, err := s.db.Exec(`
		UPDATE sections SET name = ?, type = ?, position = ?, keywords = ?, weight = ?,
			template = ?, example = ?, depends_on = ?, excludes = ?, mandatory = ?, active = ?, updated_at = ?
		WHERE id = ?`,
		sec.Name, sec.Type, sec.Position, marshalList(sec.Keywords), sec.Weight,
		sec.Template, sec.Example, marshalList(sec.DependsOn), marshalList(sec.Excludes),
		boolToInt(sec.Mandatory), boolToInt(sec.Active), formatTime(time.Now()),
		sec.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteSection removes a section.
func (s *Store) DeleteSection(id string) error {
	res, err := s.db.Exec(`DELETE FROM sections WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func scanSection(row rowScanner) (persona.Section, error) {
	var sec persona.Section
	var keywords, dependsOn, excludes string
	var mandatory, active int
	var createdAt, updatedAt string

	err := row.Scan(&sec.ID, &sec.ProfileID, &sec.Name, &sec.Type, &sec.Position, &keywords, &sec.Weight,
		&sec.Template, &sec.Example, &dependsOn, &excludes, &mandatory, &active, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return persona.Section{}, ErrNotFound
	}
	if err != nil {
		return persona.Section{}, err
	}

	sec.Keywords = unmarshalList(keywords)
	sec.DependsOn = unmarshalList(dependsOn)
	sec.Excludes = unmarshalList(excludes)
	sec.Mandatory = mandatory != 0
	sec.Active = active != 0
	if sec.CreatedAt, err = parseTime(createdAt); err != nil {
		return persona.Section{}, fmt.Errorf("parsing created_at for section %s: %w", sec.ID, err)
	}
	if sec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return persona.Section{}, fmt.Errorf("parsing updated_at for section %s: %w", sec.ID, err)
	}
	return sec, nil
}

// --- Executions ---

// SaveExecution persists one pipeline run, success or failure.
func (s *Store) SaveExecution(e Execution) error {
	status := e.Status
	if status == "" {
		status = "succeeded"
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO executions (id, profile_id, trace_id, request, prompt, response, model, finish_reason,
			prompt_tokens, completion_tokens, total_tokens, attempts, latency_ms, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProfileID, e.TraceID, e.Request, e.Prompt, e.Response, e.Model, e.FinishReason,
		e.PromptTokens, e.CompletionTokens, e.TotalTokens, e.Attempts, e.LatencyMs, status, e.Error,
		formatTime(createdAt),
	)
	return err
}

// GetExecution returns one execution record.
func (s *Store) GetExecution(id string) (Execution, error) {
	row := s.db.QueryRow(`
		SELECT id, profile_id, trace_id, request, prompt, response, model, finish_reason,
			prompt_tokens, completion_tokens, total_tokens, attempts, latency_ms, status, error, created_at
		FROM executions WHERE id = ?`, id)
	return scanExecution(row)
}

// ListExecutions returns recent executions, optionally filtered by profile.
func (s *Store) ListExecutions(profileID string, limit int) ([]Execution, error) {
	query := `SELECT id, profile_id, trace_id, request, prompt, response, model, finish_reason,
			prompt_tokens, completion_tokens, total_tokens, attempts, latency_ms, status, error, created_at
		FROM executions`
	args := []any{}
	if profileID != "" {
		query += ` WHERE profile_id = ?`
		args = append(args, profileID)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanExecution(row rowScanner) (Execution, error) {
	var e Execution
	var createdAt string
	err := row.Scan(&e.ID, &e.ProfileID, &e.TraceID, &e.Request, &e.Prompt, &e.Response, &e.Model,
		&e.FinishReason, &e.PromptTokens, &e.CompletionTokens, &e.TotalTokens, &e.Attempts,
		&e.LatencyMs, &e.Status, &e.Error, &createdAt)
	if err == sql.ErrNoRows {
		return Execution{}, ErrNotFound
	}
	if err != nil {
		return Execution{}, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return Execution{}, fmt.Errorf("parsing created_at for execution %s: %w", e.ID, err)
	}
	return e, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
