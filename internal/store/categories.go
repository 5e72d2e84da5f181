package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/soluva78-blip/Soluv-core/internal/post"
)

// FindOrCreateCategory returns the category with the given name, creating
// it when absent. Uniqueness is guaranteed by the name constraint: a
// concurrent creator loses the insert race and reads the winner's row.
func (s *Store) FindOrCreateCategory(ctx context.Context, name, description string, parentID int64) (post.Category, error) {
	now := time.Now().UTC().Format(timeFormat)
	if _, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO categories (name, description, parent_id, created_at)
		VALUES (?, ?, ?, ?)`, name, description, parentID, now); err != nil {
		return post.Category{}, fmt.Errorf("creating category %q: %w", name, err)
	}

	var c post.Category
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, parent_id FROM categories WHERE name = ?`, name).
		Scan(&c.ID, &c.Name, &c.Description, &c.ParentID)
	if err == sql.ErrNoRows {
		return post.Category{}, ErrNotFound
	}
	if err != nil {
		return post.Category{}, fmt.Errorf("reading category %q: %w", name, err)
	}
	return c, nil
}

// GetCategory returns the category with the given id.
func (s *Store) GetCategory(ctx context.Context, id int64) (post.Category, error) {
	var c post.Category
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, parent_id FROM categories WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.Description, &c.ParentID)
	if err == sql.ErrNoRows {
		return post.Category{}, ErrNotFound
	}
	if err != nil {
		return post.Category{}, err
	}
	return c, nil
}

// ListCategoryNames returns all category names, for the category-assignment
// prompt's candidate list.
func (s *Store) ListCategoryNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM categories ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing categories: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
