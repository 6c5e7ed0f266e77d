package peersdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hivemesh/hive/pkg/aid"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "peers.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cur, req, err := db.Version()
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if cur != 0 {
		t.Fatalf("fresh db at version %d", cur)
	}
	if err := db.MigrateUp(context.Background(), req); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestPeers(t *testing.T) {
	db := openTestDB(t)

	if p, err := db.GetPeer("one"); err != nil || p != nil {
		t.Fatalf("unknown peer: %v %v", p, err)
	}

	if err := db.SavePeer(Peer{CtxID: "one", Endpoint: "tcp://127.0.0.1:7100"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := db.SavePeer(Peer{CtxID: "r", Endpoint: "tcp://127.0.0.1:7300", Router: true}); err != nil {
		t.Fatalf("save: %v", err)
	}

	p, err := db.GetPeer("one")
	if err != nil || p == nil {
		t.Fatalf("get: %v %v", p, err)
	}
	if p.Endpoint != "tcp://127.0.0.1:7100" || p.Router || p.LastExit != "" {
		t.Fatalf("peer %#v", p)
	}
	if p.FirstSeen.IsZero() || time.Since(p.FirstSeen) > time.Minute {
		t.Fatalf("first seen %v", p.FirstSeen)
	}

	// refresh keeps first_seen
	first := p.FirstSeen
	if err := db.SavePeer(Peer{CtxID: "one", Endpoint: "tcp://127.0.0.1:7101"}); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if p, err = db.GetPeer("one"); err != nil || p.Endpoint != "tcp://127.0.0.1:7101" {
		t.Fatalf("refresh: %v %#v", err, p)
	}
	if !p.FirstSeen.Equal(first) {
		t.Fatalf("refresh changed first_seen: %v != %v", p.FirstSeen, first)
	}

	if err := db.SetPeerExit("one", "connection reset"); err != nil {
		t.Fatalf("set exit: %v", err)
	}
	if p, err = db.GetPeer("one"); err != nil || p.LastExit != "connection reset" {
		t.Fatalf("exit not recorded: %v %#v", err, p)
	}

	ps, err := db.Peers()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ps) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(ps))
	}
	var router *Peer
	for i := range ps {
		if ps[i].CtxID == aid.CtxID("r") {
			router = &ps[i]
		}
	}
	if router == nil || !router.Router {
		t.Fatalf("router peer missing: %#v", ps)
	}
}
