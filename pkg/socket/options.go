package socket

import "time"

// Options tunes a socket actor. The zero value gets sensible defaults.
type Options struct {
	// Delay and count for the initial connect phase; exhausting the count
	// reports failure to the originator but does not stop the socket.
	InitReconnPeriod time.Duration
	InitReconnTry    int

	// Delay and count for steady-state reconnect attempts. Each exhausted
	// round synthesizes net-error exits for surviving links, then retrying
	// continues until Stop.
	ReconnPeriod time.Duration
	ReconnTry    int

	// Keepalive tick interval and the number of consecutive silent ticks
	// after which the peer is treated as dead.
	HeartbeatPeriod time.Duration
	HeartbeatCount  int

	// Version is our build version (valid semver, e.g. "v0.3.0"), exchanged
	// at login. MinPeerVersion, if set, makes the accept side reject peers
	// older than it.
	Version        string
	MinPeerVersion string

	// Instance is the node's boot-unique instance id, exchanged at login so
	// a restarted peer can be told apart from a reconnecting one.
	Instance string
}

func (o *Options) setDefaults() {
	if o.InitReconnPeriod <= 0 {
		o.InitReconnPeriod = time.Second
	}
	if o.InitReconnTry <= 0 {
		o.InitReconnTry = 3
	}
	if o.ReconnPeriod <= 0 {
		o.ReconnPeriod = 10 * time.Second
	}
	if o.ReconnTry <= 0 {
		o.ReconnTry = 2
	}
	if o.HeartbeatPeriod <= 0 {
		o.HeartbeatPeriod = 30 * time.Second
	}
	if o.HeartbeatCount <= 0 {
		o.HeartbeatCount = 3
	}
}
