package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const userColumns = `id, email, full_name, avatar_url, bio, theme, created_at, updated_at`

// UpsertUser creates or refreshes the profile row for an authenticated
// identity. Display fields are denormalized from the OAuth provider on
// every sign-in; bio and theme are never touched here.
func (s *PostgresStore) UpsertUser(ctx context.Context, user User) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, email, full_name, avatar_url)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			full_name = EXCLUDED.full_name,
			avatar_url = EXCLUDED.avatar_url,
			updated_at = NOW()
		RETURNING `+userColumns,
		user.ID, user.Email, user.FullName, user.AvatarURL)
	saved, err := scanUser(row)
	if err != nil {
		return User{}, fmt.Errorf("upsert user: %w", err)
	}
	return saved, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID)
	return scanUser(row)
}

// ProfileUpdate carries partial profile edits. Nil fields are left
// unchanged.
type ProfileUpdate struct {
	FullName  *string
	AvatarURL *string
	Bio       *string
	Theme     *string
}

func (s *PostgresStore) UpdateUserProfile(ctx context.Context, userID string, update ProfileUpdate) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE users SET
			full_name = COALESCE($2, full_name),
			avatar_url = COALESCE($3, avatar_url),
			bio = COALESCE($4, bio),
			theme = COALESCE($5, theme),
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+userColumns,
		userID, update.FullName, update.AvatarURL, update.Bio, update.Theme)
	return scanUser(row)
}

const bookmarkColumns = `id, user_id, title, url, description, notes, category, tags, created_at, updated_at`

func (s *PostgresStore) ListBookmarks(ctx context.Context, userID string) ([]Bookmark, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+bookmarkColumns+`
		FROM bookmarks
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list bookmarks: %w", err)
	}
	defer rows.Close()

	items := make([]Bookmark, 0)
	for rows.Next() {
		item, err := scanBookmark(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bookmark: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bookmarks: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetBookmark(ctx context.Context, userID, bookmarkID string) (Bookmark, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+bookmarkColumns+`
		FROM bookmarks
		WHERE id = $1 AND user_id = $2
	`, bookmarkID, userID)
	return scanBookmark(row)
}

func (s *PostgresStore) InsertBookmark(ctx context.Context, item Bookmark) (Bookmark, error) {
	tags, err := tagsValue(item.Tags)
	if err != nil {
		return Bookmark{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO bookmarks (id, user_id, title, url, description, notes, category, tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+bookmarkColumns,
		item.ID, item.UserID, item.Title, item.URL, item.Description, item.Notes, item.Category, tags)
	saved, err := scanBookmark(row)
	if err != nil {
		return Bookmark{}, fmt.Errorf("insert bookmark: %w", err)
	}
	return saved, nil
}

// UpdateBookmark replaces the editable fields of a bookmark. The query
// is scoped by both id and owner, so an update against someone else's
// row matches nothing and returns matched=false rather than an error.
func (s *PostgresStore) UpdateBookmark(ctx context.Context, item Bookmark) (Bookmark, bool, error) {
	tags, err := tagsValue(item.Tags)
	if err != nil {
		return Bookmark{}, false, err
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE bookmarks SET
			title = $3,
			url = $4,
			description = $5,
			notes = $6,
			category = $7,
			tags = $8,
			updated_at = NOW()
		WHERE id = $1 AND user_id = $2
		RETURNING `+bookmarkColumns,
		item.ID, item.UserID, item.Title, item.URL, item.Description, item.Notes, item.Category, tags)
	saved, err := scanBookmark(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Bookmark{}, false, nil
	}
	if err != nil {
		return Bookmark{}, false, fmt.Errorf("update bookmark: %w", err)
	}
	return saved, true, nil
}

// DeleteBookmark removes an owned bookmark and returns the deleted row
// so the caller can publish a delete event. Absent or foreign rows
// report matched=false.
func (s *PostgresStore) DeleteBookmark(ctx context.Context, userID, bookmarkID string) (Bookmark, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		DELETE FROM bookmarks
		WHERE id = $1 AND user_id = $2
		RETURNING `+bookmarkColumns,
		bookmarkID, userID)
	deleted, err := scanBookmark(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Bookmark{}, false, nil
	}
	if err != nil {
		return Bookmark{}, false, fmt.Errorf("delete bookmark: %w", err)
	}
	return deleted, true, nil
}

const categoryColumns = `id, user_id, name, color, created_at`

func (s *PostgresStore) ListCategories(ctx context.Context, userID string) ([]Category, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+categoryColumns+`
		FROM categories
		WHERE user_id = $1
		ORDER BY name
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	items := make([]Category, 0)
	for rows.Next() {
		var item Category
		if err := rows.Scan(&item.ID, &item.UserID, &item.Name, &item.Color, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate categories: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertCategory(ctx context.Context, item Category) (Category, error) {
	var saved Category
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO categories (id, user_id, name, color)
		VALUES ($1, $2, $3, $4)
		RETURNING `+categoryColumns,
		item.ID, item.UserID, item.Name, item.Color,
	).Scan(&saved.ID, &saved.UserID, &saved.Name, &saved.Color, &saved.CreatedAt)
	if err != nil {
		return Category{}, fmt.Errorf("insert category: %w", err)
	}
	return saved, nil
}

func (s *PostgresStore) UpdateCategory(ctx context.Context, item Category) (Category, bool, error) {
	var saved Category
	err := s.db.QueryRowContext(ctx, `
		UPDATE categories SET name = $3, color = $4
		WHERE id = $1 AND user_id = $2
		RETURNING `+categoryColumns,
		item.ID, item.UserID, item.Name, item.Color,
	).Scan(&saved.ID, &saved.UserID, &saved.Name, &saved.Color, &saved.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Category{}, false, nil
	}
	if err != nil {
		return Category{}, false, fmt.Errorf("update category: %w", err)
	}
	return saved, true, nil
}

func (s *PostgresStore) DeleteCategory(ctx context.Context, userID, categoryID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM categories WHERE id = $1 AND user_id = $2
	`, categoryID, userID)
	if err != nil {
		return false, fmt.Errorf("delete category: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete category affected: %w", err)
	}
	return affected > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Email, &user.FullName, &user.AvatarURL, &user.Bio, &user.Theme, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func scanBookmark(row rowScanner) (Bookmark, error) {
	var item Bookmark
	var tags []byte
	err := row.Scan(&item.ID, &item.UserID, &item.Title, &item.URL, &item.Description, &item.Notes, &item.Category, &tags, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Bookmark{}, err
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &item.Tags); err != nil {
			return Bookmark{}, fmt.Errorf("decode tags: %w", err)
		}
	}
	return item, nil
}

// tagsValue encodes a tag list for the JSONB column. A nil or empty
// slice is stored as NULL, never as [].
func tagsValue(tags []string) (any, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}
	return encoded, nil
}
