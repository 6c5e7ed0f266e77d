package node

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestUnmarshalEnv(t *testing.T) {
	var c Config
	if err := c.UnmarshalEnv([]string{
		"HIVE_CTXID=one",
		"HIVE_ADDR=:7200",
		"HIVE_ROUTER=true",
		"HIVE_PEERS=two=tcp://127.0.0.1:7100,router:r=tcp://127.0.0.1:7300",
		"HIVE_HEARTBEAT_PERIOD=5s",
		"HIVE_HEARTBEAT_COUNT=4",
		"HIVE_LOG_LEVEL=warn",
	}, false); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if c.CtxID != "one" || c.Addr != ":7200" || !c.Router {
		t.Fatalf("basic fields: %#v", c)
	}
	if c.HeartbeatPeriod != 5*time.Second || c.HeartbeatCount != 4 {
		t.Fatalf("heartbeat fields: %#v", c)
	}
	if c.LogLevel != zerolog.WarnLevel {
		t.Fatalf("log level: %v", c.LogLevel)
	}
	// defaults
	if c.ReconnPeriod != 10*time.Second || c.InitReconnTry != 3 || !c.RedialKnownPeers {
		t.Fatalf("defaults: %#v", c)
	}

	ps, err := ParsePeers(c.Peers)
	if err != nil {
		t.Fatalf("parse peers: %v", err)
	}
	if len(ps) != 2 || ps[0] != (PeerSpec{CtxID: "two", Endpoint: "tcp://127.0.0.1:7100"}) {
		t.Fatalf("peers: %#v", ps)
	}
	if !ps[1].Router || ps[1].CtxID != "r" {
		t.Fatalf("router peer: %#v", ps[1])
	}
}

func TestUnmarshalEnvUnknownVar(t *testing.T) {
	var c Config
	if err := c.UnmarshalEnv([]string{"HIVE_CTXID=one", "HIVE_BOGUS=1"}, false); err == nil {
		t.Fatal("unknown variable must be rejected")
	}
}

func TestUnmarshalEnvUnsettable(t *testing.T) {
	var c Config
	if err := c.UnmarshalEnv([]string{"HIVE_CTXID=one", "HIVE_ADDR="}, false); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if c.Addr != "" {
		t.Fatalf("HIVE_ADDR should be explicitly settable to empty, got %q", c.Addr)
	}
}

func TestParsePeersInvalid(t *testing.T) {
	for _, s := range []string{"nope", "=tcp://x:1", "a="} {
		if _, err := ParsePeers([]string{s}); err == nil {
			t.Errorf("peer %q must be rejected", s)
		}
	}
}
