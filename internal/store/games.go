package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"romfetch/internal/logging"
)

// DefaultSearchLimit caps Search results when the caller passes no limit.
const DefaultSearchLimit = 200

// Game is one catalog entry.
type Game struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Platform     string `json:"platform"`
	Size         string `json:"size"`
	DownloadLink string `json:"download_link"`
	IsDownloaded bool   `json:"is_downloaded"`
}

// GameID derives the stable identifier of a game from its platform and
// display name. Case and surrounding whitespace are ignored.
func GameID(platform, name string) string {
	key := strings.ToLower(strings.TrimSpace(platform)) + "\x00" + strings.ToLower(strings.TrimSpace(name))
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}

// UpsertBatch writes games in a single transaction keyed on ID. Existing rows
// are rewritten only when name, platform, size or link changed, and the
// downloaded flag is never touched. It returns the number of rows inserted or
// changed. A failure rolls back the whole batch.
func (s *Store) UpsertBatch(ctx context.Context, games []Game) (int, error) {
	if len(games) == 0 {
		return 0, nil
	}
	for i := range games {
		g := &games[i]
		if strings.TrimSpace(g.Name) == "" || strings.TrimSpace(g.Platform) == "" || strings.TrimSpace(g.DownloadLink) == "" {
			return 0, fmt.Errorf("%w: record %d (%q)", ErrInvalidGame, i, g.Name)
		}
		if g.ID == "" {
			g.ID = GameID(g.Platform, g.Name)
		}
	}

	written := 0
	err := s.write(ctx, "upsert_batch", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO games (id, name, platform, size, download_link)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    name = excluded.name,
    platform = excluded.platform,
    size = excluded.size,
    download_link = excluded.download_link,
    updated_at = CURRENT_TIMESTAMP
WHERE games.name <> excluded.name
   OR games.platform <> excluded.platform
   OR games.size <> excluded.size
   OR games.download_link <> excluded.download_link`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, g := range games {
			res, err := stmt.ExecContext(ctx, g.ID, g.Name, g.Platform, g.Size, g.DownloadLink)
			if err != nil {
				return fmt.Errorf("game %s: %w", g.ID, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				written++
			}
		}
		return nil
	})
	if err != nil {
		logging.LogDBOperation("upsert_batch", "", err)
		return 0, err
	}

	logging.LogDBUpdate("upsert_batch", "", map[string]any{"records": len(games), "written": written})
	if written > 0 {
		s.emitChange(ChangeEvent{Type: ChangeCatalog})
	}
	return written, nil
}

// Search returns games whose name or platform contains term, ignoring case,
// ordered by name then platform. A blank term yields no results.
func (s *Store) Search(ctx context.Context, term string, limit int) ([]Game, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return []Game{}, nil
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	pattern := "%" + escapeLike(term) + "%"
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, platform, size, download_link, is_downloaded
FROM games
WHERE name LIKE ? ESCAPE '\' OR platform LIKE ? ESCAPE '\'
ORDER BY name COLLATE NOCASE, platform COLLATE NOCASE, id
LIMIT ?`, pattern, pattern, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Game, 0, 16)
	for rows.Next() {
		g, err := scanGame(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// escapeLike makes %, _ and the escape character match literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGame(r rowScanner) (Game, error) {
	var (
		g          Game
		downloaded int
	)
	if err := r.Scan(&g.ID, &g.Name, &g.Platform, &g.Size, &g.DownloadLink, &downloaded); err != nil {
		return Game{}, err
	}
	g.IsDownloaded = downloaded != 0
	return g, nil
}

// GetGame fetches a single game by ID.
func (s *Store) GetGame(ctx context.Context, id string) (Game, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, platform, size, download_link, is_downloaded FROM games WHERE id = ?`, id)
	g, err := scanGame(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Game{}, fmt.Errorf("%w: game %s", ErrNotFound, id)
	}
	return g, err
}

// SetDownloaded flips the downloaded flag of one game.
func (s *Store) SetDownloaded(ctx context.Context, id string, downloaded bool) error {
	val := 0
	if downloaded {
		val = 1
	}
	err := s.write(ctx, "set_downloaded", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE games SET is_downloaded = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, val, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: game %s", ErrNotFound, id)
		}
		return nil
	})
	if err != nil {
		logging.LogDBOperation("set_downloaded", id, err)
		return err
	}
	logging.LogDBUpdate("set_downloaded", id, map[string]any{"is_downloaded": downloaded})
	s.emitChange(ChangeEvent{Type: ChangeDownloaded, ID: id})
	return nil
}

// CountGames returns the number of catalog rows.
func (s *Store) CountGames(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM games`).Scan(&n)
	return n, err
}

// ResetCatalog deletes every game, downloaded flags included.
func (s *Store) ResetCatalog(ctx context.Context) error {
	err := s.write(ctx, "reset_catalog", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM games`)
		return err
	})
	if err != nil {
		logging.LogDBOperation("reset_catalog", "", err)
		return err
	}
	logging.LogDBUpdate("reset_catalog", "", nil)
	s.emitChange(ChangeEvent{Type: ChangeCatalog})
	return nil
}
