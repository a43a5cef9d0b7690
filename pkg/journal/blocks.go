// Package journal implements Ratman's content-addressed block store,
// flood-deduplication "known frame" set, and the frame/manifest queues
// the collector and ingress assembler drain from.
package journal

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"

	"github.com/ratmesh/ratman/pkg/rid"
	"github.com/ratmesh/ratman/pkg/store"
)

// ErrBlockNotFound is returned by Blocks.Fetch when no row exists for a
// reference.
var ErrBlockNotFound = errors.New("journal: block not found")

// Blocks is the content-addressed block table: gzip-compressed payload
// bytes plus a validity flag, keyed by the block's blake2b-256 reference.
// It shares its sqlite3 handle with pkg/store's metadata tables, exactly
// mirroring db/pdatadb/db.go's single-connection, single-file layout.
type Blocks struct {
	x   *sqlx.DB
	log zerolog.Logger
}

type blockRow struct {
	Data  []byte `db:"data"`
	Valid bool   `db:"valid"`
}

// OpenBlocks creates the blocks table if missing and returns a handle
// bound to db.
func OpenBlocks(db *store.DB, log zerolog.Logger) (*Blocks, error) {
	x := store.Unwrap(db)
	if _, err := x.Exec(`CREATE TABLE IF NOT EXISTS blocks (
		reference TEXT PRIMARY KEY,
		data      BLOB NOT NULL,
		valid     BOOLEAN NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("journal: create blocks table: %w", err)
	}
	return &Blocks{x: x, log: log.With().Str("component", "journal.blocks").Logger()}, nil
}

// Insert stores a block's bytes (as ERIS produced them, i.e. encrypted)
// under their blake2b-256
// reference, compressed with gzip exactly as db/pdatadb/db.go compresses
// its blobs. If reference doesn't match blake2b256(data), the insert is
// dropped and logged rather than returning an error, per the content-
// address integrity contract: a caller that computed reference itself
// will never hit this path, only a corrupted or adversarial remote frame
// will.
func (b *Blocks) Insert(reference rid.Ident32, data []byte) error {
	sum := blake2b.Sum256(data)
	valid := bytes.Equal(sum[:], reference.Bytes())
	if !valid {
		b.log.Warn().Str("reference", reference.String()).Msg("block content-address mismatch, dropping")
		return nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return fmt.Errorf("journal: compress block: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("journal: compress block: %w", err)
	}

	_, err := b.x.Exec(`INSERT INTO blocks (reference, data, valid) VALUES (?, ?, ?)
		ON CONFLICT(reference) DO UPDATE SET data = excluded.data, valid = excluded.valid`,
		reference.String(), buf.Bytes(), valid)
	if err != nil {
		return fmt.Errorf("journal: insert block %s: %w", reference, err)
	}
	return nil
}

// Fetch decompresses and returns the block bytes stored under
// reference, re-verifying the content-address on the way out.
func (b *Blocks) Fetch(reference rid.Ident32) ([]byte, error) {
	var row blockRow
	if err := b.x.Get(&row, `SELECT data, valid FROM blocks WHERE reference = ?`, reference.String()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBlockNotFound
		}
		return nil, fmt.Errorf("journal: fetch block %s: %w", reference, err)
	}
	if !row.Valid {
		return nil, fmt.Errorf("journal: block %s stored with failed integrity check", reference)
	}

	zr, err := gzip.NewReader(bytes.NewReader(row.Data))
	if err != nil {
		return nil, fmt.Errorf("journal: decompress block %s: %w", reference, err)
	}
	defer zr.Close()
	var out bytes.Buffer
	if _, err := out.ReadFrom(zr); err != nil {
		return nil, fmt.Errorf("journal: decompress block %s: %w", reference, err)
	}

	sum := blake2b.Sum256(out.Bytes())
	if !bytes.Equal(sum[:], reference.Bytes()) {
		return nil, fmt.Errorf("journal: block %s failed content-address re-verification on fetch", reference)
	}
	return out.Bytes(), nil
}
