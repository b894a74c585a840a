// Package loader imports a SQLite catalog snapshot into the store and
// mirrors cover images into object storage.
package loader

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/sync/errgroup"

	"bookstore/pkg/domain"
	"bookstore/pkg/storage"
	"bookstore/pkg/store"
)

const defaultCoverWorkers = 8

// Config configures one import run.
type Config struct {
	SQLitePath string
	Store      store.Store

	// Covers is optional; without it picture blobs are skipped and
	// records keep an empty cover key.
	Covers       storage.ObjectStore
	CoverWorkers int
}

// Result reports what an import run moved.
type Result struct {
	Books  int
	Covers int
}

// Run reads the snapshot's book table, replaces the whole catalog with the
// converted records, then uploads covers concurrently. The catalog swap is
// drop-then-reinsert: stale rows never survive an import.
func Run(ctx context.Context, cfg Config) (Result, error) {
	db, err := sql.Open("sqlite3", cfg.SQLitePath)
	if err != nil {
		return Result{}, fmt.Errorf("open snapshot: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return Result{}, fmt.Errorf("connect snapshot: %w", err)
	}

	books, covers, err := readBooks(ctx, db)
	if err != nil {
		return Result{}, err
	}
	if cfg.Covers == nil {
		for i := range books {
			books[i].CoverKey = ""
		}
	}
	if err := cfg.Store.ReplaceCatalog(books); err != nil {
		return Result{}, fmt.Errorf("replace catalog: %w", err)
	}

	uploaded := 0
	if cfg.Covers != nil {
		uploaded, err = uploadCovers(ctx, cfg, covers)
		if err != nil {
			return Result{Books: len(books), Covers: uploaded}, err
		}
	}
	return Result{Books: len(books), Covers: uploaded}, nil
}

type cover struct {
	key  string
	blob []byte
}

func readBooks(ctx context.Context, db *sql.DB) ([]domain.CatalogBook, []cover, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, title, author, publisher, original_title, translator,
		       pub_year, pages, price, currency_unit, binding, isbn,
		       author_intro, book_intro, content, tags, picture
		FROM book`)
	if err != nil {
		return nil, nil, fmt.Errorf("query book table: %w", err)
	}
	defer rows.Close()

	var books []domain.CatalogBook
	var covers []cover
	for rows.Next() {
		var (
			b                               domain.CatalogBook
			author, publisher, origTitle    sql.NullString
			translator, pubYear             sql.NullString
			currency, binding, isbn         sql.NullString
			authorIntro, bookIntro, content sql.NullString
			tags                            sql.NullString
			pages, price                    sql.NullInt64
			picture                         []byte
		)
		if err := rows.Scan(&b.ID, &b.Title, &author, &publisher, &origTitle,
			&translator, &pubYear, &pages, &price, &currency, &binding, &isbn,
			&authorIntro, &bookIntro, &content, &tags, &picture); err != nil {
			return nil, nil, fmt.Errorf("scan book row: %w", err)
		}
		b.Author = author.String
		b.Publisher = publisher.String
		b.OriginalTitle = origTitle.String
		b.Translator = translator.String
		b.PubYear = pubYear.String
		b.Pages = int(pages.Int64)
		b.Price = price.Int64
		b.CurrencyUnit = currency.String
		b.Binding = binding.String
		b.ISBN = isbn.String
		b.AuthorIntro = authorIntro.String
		b.BookIntro = bookIntro.String
		b.Content = content.String
		b.Tags = splitTags(tags.String)
		if len(picture) > 0 {
			b.CoverKey = fmt.Sprintf("covers/%s.jpg", b.ID)
			covers = append(covers, cover{key: b.CoverKey, blob: picture})
		}
		books = append(books, b)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate book rows: %w", err)
	}
	return books, covers, nil
}

func uploadCovers(ctx context.Context, cfg Config, covers []cover) (int, error) {
	workers := cfg.CoverWorkers
	if workers <= 0 {
		workers = defaultCoverWorkers
	}
	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, c := range covers {
		g.Go(func() error {
			err := cfg.Covers.Put(gctx, c.key, bytes.NewReader(c.blob), int64(len(c.blob)), "image/jpeg")
			if err != nil {
				return fmt.Errorf("upload %s: %w", c.key, err)
			}
			if n := done.Add(1); n%500 == 0 {
				slog.Info("cover upload progress", "uploaded", n, "total", len(covers))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(done.Load()), err
	}
	return int(done.Load()), nil
}

// splitTags turns the snapshot's newline-separated tag text into a clean
// slice.
func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, "\n")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		tags = append(tags, p)
	}
	if len(tags) == 0 {
		return nil
	}
	return tags
}
