// Package cache stores synthesis results keyed by the request tuple so
// repeated utterances skip the native engines entirely. A small in-memory LRU
// fronts an optional SQLite store that survives restarts.
package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite"

	"github.com/maeumlabs/kotts-bridge/internal/config"
)

// Entry is one cached synthesis result.
type Entry struct {
	Audio      []byte
	SampleRate int
	Duration   time.Duration
	Format     string
	EngineUsed string
	Voice      string
	Speed      float64
}

type Cache struct {
	cfg   config.CacheConfig
	log   *slog.Logger
	mem   *lru.Cache[string, *Entry]
	db    *sql.DB
	clock func() time.Time
}

// Open initializes the cache according to config. An empty path yields a
// memory-only cache.
func Open(ctx context.Context, cfg config.CacheConfig, log *slog.Logger) (*Cache, error) {
	mem, err := lru.New[string, *Entry](cfg.MemoryEntries)
	if err != nil {
		return nil, fmt.Errorf("create memory cache: %w", err)
	}
	c := &Cache{
		cfg:   cfg,
		log:   log.With(slog.String("component", "synthesis-cache")),
		mem:   mem,
		clock: time.Now,
	}

	if cfg.Path == "" {
		return c, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	c.db = db

	if err := c.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := c.Prune(ctx); err != nil {
		c.log.Warn("cache prune on start failed", slog.String("error", err.Error()))
	}
	return c, nil
}

func (c *Cache) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS synthesis_cache (
    key TEXT PRIMARY KEY,
    audio BLOB NOT NULL,
    sample_rate INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    format TEXT NOT NULL,
    engine_used TEXT NOT NULL,
    voice TEXT,
    speed REAL,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_created ON synthesis_cache(created_at);
`
	_, err := c.db.ExecContext(ctx, ddl)
	return err
}

func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Key derives the cache key for a request tuple. The preferred engine is part
// of the scope so a caller pinning an engine never receives another engine's
// audio.
func Key(engineScope, text, voice string, speed float64) string {
	h := sha256.New()
	h.Write([]byte(engineScope))
	h.Write([]byte{0})
	h.Write([]byte(text))
	h.Write([]byte{0})
	h.Write([]byte(voice))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatFloat(speed, 'f', -1, 64)))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Cache) Get(ctx context.Context, key string) (*Entry, bool) {
	if entry, ok := c.mem.Get(key); ok {
		return entry, true
	}
	if c.db == nil {
		return nil, false
	}

	row := c.db.QueryRowContext(ctx,
		`SELECT audio, sample_rate, duration_ms, format, engine_used, voice, speed
		 FROM synthesis_cache WHERE key = ?`, key)
	var entry Entry
	var durationMS int64
	if err := row.Scan(&entry.Audio, &entry.SampleRate, &durationMS, &entry.Format,
		&entry.EngineUsed, &entry.Voice, &entry.Speed); err != nil {
		if err != sql.ErrNoRows {
			c.log.Warn("cache read failed", slog.String("error", err.Error()))
		}
		return nil, false
	}
	entry.Duration = time.Duration(durationMS) * time.Millisecond
	c.mem.Add(key, &entry)
	return &entry, true
}

func (c *Cache) Put(ctx context.Context, key string, entry *Entry) {
	c.mem.Add(key, entry)
	if c.db == nil {
		return
	}

	_, err := c.db.ExecContext(ctx,
		`INSERT INTO synthesis_cache(key, audio, sample_rate, duration_ms, format, engine_used, voice, speed, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO NOTHING`,
		key, entry.Audio, entry.SampleRate, entry.Duration.Milliseconds(), entry.Format,
		entry.EngineUsed, entry.Voice, entry.Speed, c.clock().UTC())
	if err != nil {
		c.log.Warn("cache write failed", slog.String("error", err.Error()))
		return
	}
	if err := c.Prune(ctx); err != nil {
		c.log.Warn("cache prune failed", slog.String("error", err.Error()))
	}
}

// Prune caps the persisted entry count at MaxEntries, dropping oldest first.
func (c *Cache) Prune(ctx context.Context) error {
	if c.db == nil || c.cfg.MaxEntries <= 0 {
		return nil
	}
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM synthesis_cache WHERE key NOT IN (
		    SELECT key FROM synthesis_cache ORDER BY created_at DESC LIMIT ?
		 )`, c.cfg.MaxEntries)
	return err
}
