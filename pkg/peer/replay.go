package peer

import (
	"github.com/vango-dev/duet/pkg/channel"
	"github.com/vango-dev/duet/pkg/protocol"
)

// replayState describes an archived log while it is being re-dispatched.
// Logs use the server's outgoing signs: positive ids are server channels
// and negative ids are client channels.
type replayState struct {
	// open is the set of server channels open when the archive was written.
	// Nil when the archive has no trailer.
	open map[protocol.ChannelID]bool

	logged [2]map[protocol.ChannelID]bool
	ended  [2]map[protocol.ChannelID]bool
}

func newReplayState(log []protocol.Event, open []protocol.ChannelID) *replayState {
	r := &replayState{
		logged: [2]map[protocol.ChannelID]bool{{}, {}},
		ended:  [2]map[protocol.ChannelID]bool{{}, {}},
	}
	if open != nil {
		r.open = make(map[protocol.ChannelID]bool, len(open))
		for _, id := range open {
			r.open[id] = true
		}
	}

	for _, ev := range log {
		if ev.IsMarker() {
			continue
		}
		ns := channel.ServerNamespace
		if ev.Channel.Fenced() {
			ns = channel.ClientNamespace
		}
		id := ev.Channel.Abs()
		r.logged[ns][id] = true
		if !ev.HasValue() || ev.Failure != nil {
			r.ended[ns][id] = true
		}
	}
	return r
}

// shouldStart decides whether a channel created on the producing side runs
// its operation or producer. Outside replay it always does.
func (p *Peer) shouldStart(ch *channel.Channel) bool {
	r := p.replay
	if r == nil {
		return true
	}

	ns := ch.Kind.Namespace()
	if ns == channel.ServerNamespace && p.side == Server && r.open != nil {
		return r.open[ch.ID]
	}
	if ch.Kind.Stream() {
		return !r.ended[ns][ch.ID]
	}
	return !r.logged[ns][ch.ID]
}

// Replay rebuilds state by running app and re-dispatching log as one batch,
// with every outgoing event suppressed. Operations whose outcome is already
// logged are not run again. Must be called on the loop.
func (p *Peer) Replay(app App, log []protocol.Event, open []protocol.ChannelID) error {
	p.replay = newReplayState(log, open)
	defer func() { p.replay = nil }()

	b := newBatch(log, Broadcast)
	prev := p.batch
	p.batch = b
	p.turn(b, app)
	p.batch = prev

	return p.deliverBatch(b)
}

// Replaying reports whether a replay is in progress. Loop only.
func (p *Peer) Replaying() bool {
	return p.replay != nil
}
