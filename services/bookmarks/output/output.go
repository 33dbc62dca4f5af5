// Package output writes a finished scrape to disk. It has no
// knowledge of how the records were obtained.
package output

import (
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"instapaper-scraper/lib/scrapers/instapaper"
	"instapaper-scraper/services/bookmarks/db"

	_ "modernc.org/sqlite"
)

const FormatCSV = "csv"
const FormatJSON = "json"
const FormatSQLite = "sqlite"

// Save dispatches to the sink matching the format. The parent
// directory is created when missing.
func Save(articles []instapaper.Article, format, path string) error {
	if len(articles) == 0 {
		slog.Info("no articles found to save")
		return nil
	}

	dir := filepath.Dir(path)
	if dir != "." {
		err := os.MkdirAll(dir, 0o755)
		if err != nil {
			return err
		}
	}

	var err error
	switch format {
	case FormatCSV:
		err = saveCSV(articles, path)
	case FormatJSON:
		err = saveJSON(articles, path)
	case FormatSQLite:
		err = saveSQLite(articles, path)
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
	if err != nil {
		return err
	}

	slog.Info("saved articles", "count", len(articles), "format", format, "path", path)
	return nil
}

func saveCSV(articles []instapaper.Article, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	err = w.Write([]string{"id", "title", "url", "preview"})
	if err != nil {
		return err
	}
	for _, a := range articles {
		err = w.Write([]string{a.Id, a.Title, a.Url, a.Preview})
		if err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func saveJSON(articles []instapaper.Article, path string) error {
	data, err := json.MarshalIndent(articles, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func saveSQLite(articles []instapaper.Article, path string) error {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Exec(db.Schema)
	if err != nil {
		return err
	}

	tx, err := conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		"INSERT OR REPLACE INTO articles (id, title, url, preview) VALUES (?, ?, ?, ?)",
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, a := range articles {
		_, err = stmt.Exec(a.Id, a.Title, a.Url, a.Preview)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
