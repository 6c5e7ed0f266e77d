// Package peersdb implements sqlite3 persistence of known hive peers, so a
// node can redial them after a restart.
package peersdb

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hivemesh/hive/pkg/aid"
)

// Peer is one known peer node.
type Peer struct {
	CtxID     aid.CtxID
	Endpoint  string
	Router    bool
	FirstSeen time.Time
	LastSeen  time.Time
	LastExit  string
}

// DB stores peers in a sqlite3 database.
type DB struct {
	x *sqlx.DB
}

// Open opens a DB from the provided sqlite3 filename.
func Open(name string) (*DB, error) {
	// note: WAL and a busy timeout keep concurrent socket updates cheap
	x, err := sqlx.Connect("sqlite3", (&url.URL{
		Path: name,
		RawQuery: (url.Values{
			"_journal":      {"WAL"},
			"_busy_timeout": {"6000"},
		}).Encode(),
	}).String())
	if err != nil {
		return nil, err
	}
	return &DB{x}, nil
}

func (db *DB) Close() error {
	return db.x.Close()
}

// SavePeer inserts or refreshes a peer, updating its last-seen time.
func (db *DB) SavePeer(p Peer) error {
	now := time.Now().Unix()
	first := now
	if !p.FirstSeen.IsZero() {
		first = p.FirstSeen.Unix()
	}
	last := now
	if !p.LastSeen.IsZero() {
		last = p.LastSeen.Unix()
	}
	if _, err := db.x.NamedExec(`
		INSERT INTO peers ( ctxid,  endpoint,  router,  first_seen,  last_seen,  last_exit)
		VALUES            (:ctxid, :endpoint, :router, :first_seen, :last_seen, :last_exit)
		ON CONFLICT (ctxid) DO UPDATE SET
			endpoint = :endpoint, router = :router, last_seen = :last_seen
	`, map[string]any{
		"ctxid":      string(p.CtxID),
		"endpoint":   p.Endpoint,
		"router":     p.Router,
		"first_seen": first,
		"last_seen":  last,
		"last_exit":  p.LastExit,
	}); err != nil {
		return err
	}
	return nil
}

// SetPeerExit records why the connection to a peer last ended.
func (db *DB) SetPeerExit(ctxid aid.CtxID, reason string) error {
	if _, err := db.x.Exec(`
		UPDATE peers SET last_exit = ?, last_seen = ? WHERE ctxid = ?
	`, reason, time.Now().Unix(), string(ctxid)); err != nil {
		return err
	}
	return nil
}

// GetPeer gets a peer by ctxid, or nil if unknown.
func (db *DB) GetPeer(ctxid aid.CtxID) (*Peer, error) {
	var obj struct {
		CtxID     string `db:"ctxid"`
		Endpoint  string `db:"endpoint"`
		Router    bool   `db:"router"`
		FirstSeen int64  `db:"first_seen"`
		LastSeen  int64  `db:"last_seen"`
		LastExit  string `db:"last_exit"`
	}
	if err := db.x.Get(&obj, `SELECT * FROM peers WHERE ctxid = ?`, string(ctxid)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &Peer{
		CtxID:     aid.CtxID(obj.CtxID),
		Endpoint:  obj.Endpoint,
		Router:    obj.Router,
		FirstSeen: time.Unix(obj.FirstSeen, 0),
		LastSeen:  time.Unix(obj.LastSeen, 0),
		LastExit:  obj.LastExit,
	}, nil
}

// Peers lists all known peers, most recently seen first.
func (db *DB) Peers() ([]Peer, error) {
	rows, err := db.x.Queryx(`SELECT * FROM peers ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ps []Peer
	for rows.Next() {
		var obj struct {
			CtxID     string `db:"ctxid"`
			Endpoint  string `db:"endpoint"`
			Router    bool   `db:"router"`
			FirstSeen int64  `db:"first_seen"`
			LastSeen  int64  `db:"last_seen"`
			LastExit  string `db:"last_exit"`
		}
		if err := rows.StructScan(&obj); err != nil {
			return nil, fmt.Errorf("scan peer: %w", err)
		}
		ps = append(ps, Peer{
			CtxID:     aid.CtxID(obj.CtxID),
			Endpoint:  obj.Endpoint,
			Router:    obj.Router,
			FirstSeen: time.Unix(obj.FirstSeen, 0),
			LastSeen:  time.Unix(obj.LastSeen, 0),
			LastExit:  obj.LastExit,
		})
	}
	return ps, rows.Err()
}
