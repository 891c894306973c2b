package peer

import (
	"time"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
)

func (s *Session) handle(ev event) {
	switch ev.kind {
	case evStart:
		if s.role == domain.RoleOfferer && s.State() == domain.StateNew {
			s.offer()
		}
	case evDescription:
		s.applyDescription(ev.desc)
	case evCandidate:
		s.applyCandidate(ev.cand)
	case evLocalCandidate:
		s.emit(core.CandidateBody(ev.cand))
	case evSetTrack:
		s.setTrack(ev.trackKind, ev.track, ev.attach)
	case evTimeout:
		s.expire(ev.round)
	case evBarrier:
		close(ev.done)
	case evRenegotiate:
		s.restart()
	}
}

// offer creates, commits and emits a local offer: New|Stable -> OfferSent.
func (s *Session) offer() {
	desc, err := s.conn.CreateOffer()
	if !s.live() {
		return
	}
	if err != nil {
		s.fail("create offer", err)
		return
	}
	if err := s.conn.SetLocalDescription(desc); err != nil {
		s.fail("set local offer", err)
		return
	}
	if !s.live() {
		return
	}
	s.setState(domain.StateOfferSent)
	s.arm()
	s.emit(core.DescriptionBody(desc))
}

func (s *Session) applyDescription(d domain.Description) {
	switch d.Kind {
	case domain.DescriptionOffer:
		s.answer(d)
	case domain.DescriptionAnswer:
		s.accept(d)
	default:
		s.fail("apply description", ErrUnknownDescriptionKind)
	}
}

// answer commits a remote offer and replies: any state -> OfferReceived -> Stable.
// A pending local offer is rolled back first and offered again afterwards.
func (s *Session) answer(offer domain.Description) {
	if s.State() == domain.StateOfferSent {
		if err := s.conn.SetLocalDescription(domain.Description{Kind: domain.DescriptionRollback}); err != nil {
			s.fail("roll back local offer", err)
			return
		}
		s.log.Warn().Msg("remote offer collided with ours, rolled back")
		s.renegotiate = s.role == domain.RoleOfferer
		s.disarm()
		if s.remoteSet {
			s.setState(domain.StateStable)
		} else {
			s.setState(domain.StateNew)
		}
	}
	if err := s.conn.SetRemoteDescription(offer); err != nil {
		s.fail("set remote offer", err)
		return
	}
	if !s.live() {
		return
	}
	s.remoteSet = true
	s.setState(domain.StateOfferReceived)
	s.arm()
	s.flushCandidates()

	desc, err := s.conn.CreateAnswer()
	if !s.live() {
		return
	}
	if err != nil {
		s.fail("create answer", err)
		return
	}
	if err := s.conn.SetLocalDescription(desc); err != nil {
		s.fail("set local answer", err)
		return
	}
	if !s.live() {
		return
	}
	s.setState(domain.StateStable)
	s.disarm()
	s.emit(core.DescriptionBody(desc))
	s.resume()
}

// accept commits the remote answer to our pending offer: OfferSent -> Stable.
func (s *Session) accept(answer domain.Description) {
	if s.State() != domain.StateOfferSent {
		s.fail("apply answer", ErrUnexpectedAnswer)
		return
	}
	if err := s.conn.SetRemoteDescription(answer); err != nil {
		s.fail("set remote answer", err)
		return
	}
	if !s.live() {
		return
	}
	s.remoteSet = true
	s.setState(domain.StateStable)
	s.disarm()
	s.flushCandidates()
	s.resume()
}

// resume queues a deferred renegotiation as its own event, so committing an
// answer never emits anything by itself.
func (s *Session) resume() {
	if !s.renegotiate {
		return
	}
	s.renegotiate = false
	s.queue.push(event{kind: evRenegotiate})
}

// restart opens a new offer/answer round. Only the offering side creates
// offers; a round already in flight defers it until the answer lands.
func (s *Session) restart() {
	if s.role != domain.RoleOfferer {
		s.fail("renegotiate", ErrNotOfferer)
		return
	}
	switch s.State() {
	case domain.StateStable:
		s.offer()
	case domain.StateOfferSent:
		s.renegotiate = true
	}
}

// applyCandidate adds a remote candidate, or holds it until a remote
// description is committed.
func (s *Session) applyCandidate(c domain.Candidate) {
	if !s.remoteSet {
		s.mu.Lock()
		s.pending = append(s.pending, c)
		n := len(s.pending)
		s.mu.Unlock()
		s.log.Debug().Int("pending", n).Msg("candidate buffered")
		return
	}
	if err := s.conn.AddICECandidate(c); err != nil {
		s.fail("add candidate", err)
	}
}

func (s *Session) flushCandidates() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, c := range pending {
		if !s.live() {
			return
		}
		if err := s.conn.AddICECandidate(c); err != nil {
			s.fail("add buffered candidate", err)
		}
	}
	if len(pending) > 0 {
		s.log.Debug().Int("applied", len(pending)).Msg("buffered candidates flushed")
	}
}

func (s *Session) setTrack(kind domain.TrackKind, t core.Track, attach bool) {
	s.mu.Lock()
	sender, ok := s.senders[kind]
	s.mu.Unlock()

	if ok {
		if attach {
			s.log.Debug().Str("kind", string(kind)).Msg("sender exists, replacing track")
		}
		if err := sender.ReplaceTrack(t); err != nil {
			s.fail("replace track", err)
		}
		return
	}
	if t == nil {
		return
	}

	sender, err := s.conn.AddTrack(t)
	if !s.live() {
		return
	}
	if err != nil {
		s.fail("add track", err)
		return
	}
	s.mu.Lock()
	s.senders[kind] = sender
	s.mu.Unlock()
	s.log.Info().Str("kind", string(kind)).Str("track", t.ID()).Msg("local track attached")

	if s.role == domain.RoleOfferer {
		s.restart()
		return
	}
	// The answering side never offers: it asks the offerer for a new round.
	// Before the first offer arrives there is nothing to ask for.
	if s.State() == domain.StateStable {
		s.emit(core.RenegotiateBody())
	}
}

func (s *Session) arm() {
	if s.cfg.NegotiationTimeout <= 0 {
		return
	}
	s.round++
	round := s.round
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.cfg.NegotiationTimeout, func() {
		s.queue.push(event{kind: evTimeout, round: round})
	})
}

func (s *Session) disarm() {
	s.round++
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) expire(round uint64) {
	if round != s.round || !s.State().Pending() {
		return
	}
	s.log.Warn().Str("state", s.State().String()).Dur("timeout", s.cfg.NegotiationTimeout).Msg("negotiation stuck")
	if s.cfg.OnFailed != nil {
		s.cfg.OnFailed(s, ErrNegotiationTimeout)
	}
}
