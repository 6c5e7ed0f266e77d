package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hivemesh/hive/db/peersdb"
	"github.com/hivemesh/hive/pkg/actor"
	"github.com/hivemesh/hive/pkg/aid"
	"github.com/hivemesh/hive/pkg/socket"
	"github.com/hivemesh/hive/pkg/wire"
)

// Version is the node build version exchanged at login.
const Version = "v0.3.1"

// Server is a running hive node.
type Server struct {
	Logger zerolog.Logger

	// Funcs is the registry of remotely spawnable actors. Populate before
	// Run; it must not change afterwards.
	Funcs actor.Funcs

	cfg   *Config
	sys   *actor.System
	mx    *socket.Metrics
	db    *peersdb.DB
	peers []PeerSpec

	mu      sync.Mutex
	sockets map[aid.AID]*socket.Socket
}

// NewServer initializes a node from its config.
func NewServer(c *Config) (*Server, error) {
	if c.CtxID == "" {
		return nil, fmt.Errorf("HIVE_CTXID must be set")
	}

	l := configureLogging(c)

	s := &Server{
		Logger:  l,
		Funcs:   actor.Funcs{},
		cfg:     c,
		sockets: map[aid.AID]*socket.Socket{},
	}
	s.sys = actor.NewSystem(aid.CtxID(c.CtxID), l.With().Str("component", "actor").Logger())
	s.mx = socket.NewMetrics(metrics.NewSet())

	if c.DB != "" {
		db, err := peersdb.Open(c.DB)
		if err != nil {
			return nil, fmt.Errorf("initialize peers database: %w", err)
		}
		if cur, req, err := db.Version(); err != nil {
			return nil, fmt.Errorf("initialize peers database: get version: %w", err)
		} else if cur != req {
			if err := db.MigrateUp(context.Background(), req); err != nil {
				return nil, fmt.Errorf("initialize peers database: migrate from %d to %d: %w", cur, req, err)
			}
		}
		s.db = db
	}

	ps, err := ParsePeers(c.Peers)
	if err != nil {
		return nil, fmt.Errorf("parse peers: %w", err)
	}
	s.peers = ps

	return s, nil
}

func configureLogging(c *Config) zerolog.Logger {
	var out io.Writer = os.Stdout
	if c.LogPretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(c.LogLevel).With().Timestamp().Str("ctxid", c.CtxID).Logger()
}

// System exposes the node's actor system.
func (s *Server) System() *actor.System {
	return s.sys
}

// WritePrometheus writes node metrics in prometheus text format.
func (s *Server) WritePrometheus(w io.Writer) {
	s.mx.WritePrometheus(w)
}

func (s *Server) sktOptions() socket.Options {
	return socket.Options{
		InitReconnPeriod: s.cfg.InitReconnPeriod,
		InitReconnTry:    s.cfg.InitReconnTry,
		ReconnPeriod:     s.cfg.ReconnPeriod,
		ReconnTry:        s.cfg.ReconnTry,
		HeartbeatPeriod:  s.cfg.HeartbeatPeriod,
		HeartbeatCount:   s.cfg.HeartbeatCount,
		Version:          Version,
		MinPeerVersion:   s.cfg.MinPeerVersion,
		Instance:         s.sys.Instance(),
	}
}

func (s *Server) track(skt *socket.Socket) {
	s.mu.Lock()
	s.sockets[skt.AID()] = skt
	s.mu.Unlock()
	go func() {
		<-skt.Done()
		s.mu.Lock()
		delete(s.sockets, skt.AID())
		s.mu.Unlock()
	}()
}

// Connect dials a peer, reporting the one-shot result to sire (which may be
// Nil). An endpoint parse failure is returned immediately.
func (s *Server) Connect(sire aid.AID, ctxid aid.CtxID, endpoint string, targetIsRouter bool) error {
	skt := socket.New(s.sys.NewAID(), s.sys, s.Logger.With().Str("component", "socket").Logger(),
		s.sktOptions(), s.mx, s.cfg.Router, s.Funcs)
	if err := skt.Connect(sire, ctxid, endpoint, targetIsRouter); err != nil {
		return err
	}
	s.track(skt)
	if s.db != nil {
		if err := s.db.SavePeer(peersdb.Peer{CtxID: ctxid, Endpoint: endpoint, Router: targetIsRouter}); err != nil {
			s.Logger.Warn().Err(err).Msg("failed to persist peer")
		}
	}
	return nil
}

// Run runs the node until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	// the sire collects one-shot connect results for boot-time dials
	sire := s.sys.Spawn(func(p *actor.Proc) {
		for {
			pk, err := p.Recv(ctx)
			if err != nil {
				return
			}
			if pk.Msg != nil && pk.Msg.Type == wire.MsgNewConn {
				if r, err := wire.ParseNewConn(pk.Msg.Body()); err == nil {
					e := s.Logger.Info()
					if r.Err != "" {
						e = s.Logger.Warn().Str("error", r.Err)
					}
					e.Stringer("peer", r.Pair).Msg("connect result")
					if s.db != nil && r.Err != "" {
						if err := s.db.SetPeerExit(r.Pair.CtxID, r.Err); err != nil {
							s.Logger.Warn().Err(err).Msg("failed to update peer")
						}
					}
				}
			}
			pk.Release()
		}
	})

	seen := map[string]bool{}
	for _, p := range s.peers {
		seen[p.CtxID] = true
		if err := s.Connect(sire.AID(), aid.CtxID(p.CtxID), p.Endpoint, p.Router); err != nil {
			return fmt.Errorf("connect %s: %w", p.CtxID, err)
		}
	}
	if s.db != nil && s.cfg.RedialKnownPeers {
		known, err := s.db.Peers()
		if err != nil {
			return fmt.Errorf("list known peers: %w", err)
		}
		for _, p := range known {
			if seen[string(p.CtxID)] {
				continue
			}
			if err := s.Connect(sire.AID(), p.CtxID, p.Endpoint, p.Router); err != nil {
				s.Logger.Warn().Err(err).Str("ctxid", string(p.CtxID)).Msg("failed to redial known peer")
			}
		}
	}

	if s.cfg.Addr != "" {
		ln, err := net.Listen("tcp", s.cfg.Addr)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		s.Logger.Log().Msgf("accepting peers on %s", ln.Addr())
		g.Go(func() error {
			<-ctx.Done()
			ln.Close()
			return nil
		})
		g.Go(func() error {
			for {
				nc, err := ln.Accept()
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("accept: %w", err)
				}
				skt := socket.New(s.sys.NewAID(), s.sys, s.Logger.With().Str("component", "socket").Logger(),
					s.sktOptions(), s.mx, s.cfg.Router, s.Funcs)
				skt.Start(nc)
				s.track(skt)
			}
		})
	} else {
		g.Go(func() error {
			<-ctx.Done()
			return nil
		})
	}

	err := g.Wait()
	s.shutdown()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if errors.Is(err, context.Canceled) {
		err = context.Canceled
	}
	return err
}

func (s *Server) shutdown() {
	s.sys.Stop()

	s.mu.Lock()
	skts := make([]*socket.Socket, 0, len(s.sockets))
	for _, skt := range s.sockets {
		skts = append(skts, skt)
	}
	s.mu.Unlock()

	for _, skt := range skts {
		skt.Stop()
	}
	deadline := time.After(5 * time.Second)
	for _, skt := range skts {
		select {
		case <-skt.Done():
		case <-deadline:
			s.Logger.Warn().Stringer("skt", skt.AID()).Msg("socket did not stop in time")
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.Logger.Warn().Err(err).Msg("failed to close peers database")
		}
	}
	s.Logger.Log().Msg("shut down")
}
