// Package storage persists stable checkpoints in SQLite so that a restarted
// replica resumes from its last stable state instead of genesis.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"
	_ "github.com/mattn/go-sqlite3"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/codec"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/message"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/ordering"
)

var logger = logging.Logger("bft/storage")

// ErrNotFound is returned by Latest on an empty store.
var ErrNotFound = errors.New("no checkpoint stored")

// Record is a stored stable checkpoint.
type Record struct {
	Cert     message.Certificate
	Snapshot []byte
	SavedAt  time.Time
}

func (r Record) Seq() ordering.SeqNo { return r.Cert.Seq }

// CheckpointStore keeps the most recent stable checkpoints.
type CheckpointStore struct {
	db    *sql.DB
	codec codec.Codec
	keep  int
}

// Open opens (creating if needed) the store at path. keep bounds how many
// checkpoints are retained; zero keeps them all.
func Open(path string, c codec.Codec, keep int) (*CheckpointStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS checkpoints (
		seq      INTEGER PRIMARY KEY,
		digest   TEXT NOT NULL,
		cert     BLOB NOT NULL,
		snapshot BLOB NOT NULL,
		saved_at INTEGER NOT NULL
	)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create checkpoints table: %w", err)
	}
	return &CheckpointStore{db: db, codec: c, keep: keep}, nil
}

// Save stores a stable checkpoint and drops the ones beyond the retention
// limit.
func (s *CheckpointStore) Save(cert message.Certificate, snapshot []byte) error {
	rawCert, err := s.codec.Marshal(cert)
	if err != nil {
		return fmt.Errorf("encode certificate: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`INSERT OR REPLACE INTO checkpoints(seq, digest, cert, snapshot, saved_at) VALUES(?, ?, ?, ?, ?)`,
		int64(cert.Seq.Uint64()), cert.Digest.Hex(), rawCert, snapshot, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cert.Seq, err)
	}
	if s.keep > 0 {
		_, err = tx.Exec(`DELETE FROM checkpoints WHERE seq NOT IN (SELECT seq FROM checkpoints ORDER BY seq DESC LIMIT ?)`, s.keep)
		if err != nil {
			return fmt.Errorf("trim checkpoints: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Debugf("stored checkpoint %s (%s)", cert.Seq, cert.Digest)
	return nil
}

// Latest returns the checkpoint with the highest sequence.
func (s *CheckpointStore) Latest() (Record, error) {
	var (
		rawCert []byte
		rec     Record
		saved   int64
	)
	row := s.db.QueryRow(`SELECT cert, snapshot, saved_at FROM checkpoints ORDER BY seq DESC LIMIT 1`)
	if err := row.Scan(&rawCert, &rec.Snapshot, &saved); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("load checkpoint: %w", err)
	}
	if err := s.codec.Unmarshal(rawCert, &rec.Cert); err != nil {
		return Record{}, fmt.Errorf("decode certificate: %w", err)
	}
	rec.SavedAt = time.Unix(0, saved)
	return rec, nil
}

// Count returns the number of stored checkpoints.
func (s *CheckpointStore) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM checkpoints`).Scan(&n)
	return n, err
}

func (s *CheckpointStore) Close() error {
	return s.db.Close()
}
