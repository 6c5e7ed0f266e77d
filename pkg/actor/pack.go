// Package actor implements the local side of the hive runtime: actor
// processes with mailboxes, the registry that routes packs between local
// actors and socket actors, and remote-spawnable actor factories.
package actor

import (
	"sync"

	"github.com/hivemesh/hive/pkg/aid"
	"github.com/hivemesh/hive/pkg/wire"
)

// Pack is the unit of delivery inside a node: a routing tag, addressing, and
// the message envelope. Packs are pooled; Release returns one to the pool once
// the receiver is done with it.
type Pack struct {
	Tag      wire.Tag
	Recver   aid.AID
	Svc      aid.SvcID
	Skt      aid.AID
	IsErrRet bool
	Msg      *wire.Envelope
}

var packPool = sync.Pool{
	New: func() any { return new(Pack) },
}

// AllocPack takes a pack from the pool, pre-addressed to target.
func AllocPack(target aid.AID) *Pack {
	pk := packPool.Get().(*Pack)
	pk.Recver = target
	return pk
}

// Release resets the pack and returns it to the pool.
func (pk *Pack) Release() {
	*pk = Pack{}
	packPool.Put(pk)
}
