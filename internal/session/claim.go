package session

import (
	"time"

	"odin-term/internal/authority"
	"odin-term/internal/wire"
)

// ClaimState is the claim arbiter's state, embedded in a Session. The
// zero value is Unclaimed.
type ClaimState struct {
	Held       bool
	HolderID   string
	HolderName string
	AcquiredAt time.Time
	ExpiresAt  time.Time
	Renewals   uint32
}

// claimOutcome is what a claim transition produced, consumed by the Hub
// to decide which frames to broadcast/reply and whether to (re)schedule
// the expiry timer.
type claimOutcome struct {
	accepted    bool
	changed     bool // broadcast-worthy state change (false for a no-op renewal attempt that was rejected)
	claimed     *wire.ServerFrame
	replyToSub  *wire.ServerFrame // frame addressed only to the requesting subscriber
	priorHolder string            // userID of a just-preempted holder, if any
	priorFrame  *wire.ServerFrame // frame addressed only to the preempted holder
	rescheduled bool
}

// tryClaim applies the Claim(sub) transition from the arbiter's table in
// §4.4. now is injected for testability.
func (h *Hub) tryClaim(sub *Subscriber, now time.Time) claimOutcome {
	switch {
	case !h.claim.Held:
		if !authority.Allowed(sub.Principal.Role, authority.ActionClaim) {
			return claimOutcome{
				replyToSub: wire.Error(wire.ErrForbidden, "role does not permit claiming this session", h.name, ""),
			}
		}
		h.claim = ClaimState{
			Held:       true,
			HolderID:   sub.Principal.UserID,
			HolderName: sub.Principal.DisplayName,
			AcquiredAt: now,
			ExpiresAt:  now.Add(h.cfg.ClaimLeaseMax),
			Renewals:   0,
		}
		return claimOutcome{
			accepted:    true,
			changed:     true,
			claimed:     wire.Claimed(h.name, wire.UserRef{ID: sub.Principal.UserID, Name: sub.Principal.DisplayName}, h.claim.ExpiresAt.UTC().Format(time.RFC3339Nano), ""),
			rescheduled: true,
		}

	case h.claim.HolderID == sub.Principal.UserID:
		h.claim.ExpiresAt = now.Add(h.cfg.ClaimLeaseMax)
		h.claim.Renewals++
		return claimOutcome{
			accepted:    true,
			changed:     true,
			claimed:     wire.Claimed(h.name, wire.UserRef{ID: sub.Principal.UserID, Name: sub.Principal.DisplayName}, h.claim.ExpiresAt.UTC().Format(time.RFC3339Nano), wire.ReasonRenewed),
			rescheduled: true,
		}

	case sub.Principal.Role >= authority.RoleAdmin:
		prior := h.claim.HolderID
		h.claim = ClaimState{
			Held:       true,
			HolderID:   sub.Principal.UserID,
			HolderName: sub.Principal.DisplayName,
			AcquiredAt: now,
			ExpiresAt:  now.Add(h.cfg.ClaimLeaseMax),
			Renewals:   0,
		}
		return claimOutcome{
			accepted:    true,
			changed:     true,
			claimed:     wire.Claimed(h.name, wire.UserRef{ID: sub.Principal.UserID, Name: sub.Principal.DisplayName}, h.claim.ExpiresAt.UTC().Format(time.RFC3339Nano), wire.ReasonPreempted),
			priorHolder: prior,
			priorFrame:  wire.Error(wire.ErrPreempted, "claim preempted by a higher-authority role", h.name, ""),
			rescheduled: true,
		}

	default:
		return claimOutcome{
			replyToSub: wire.Error(wire.ErrLocked, "session is claimed by another user", h.name, h.claim.HolderID),
		}
	}
}

// tryRelease applies the Release(sub) transition: only the current
// holder may release their own claim.
func (h *Hub) tryRelease(sub *Subscriber) claimOutcome {
	if !h.claim.Held || h.claim.HolderID != sub.Principal.UserID {
		return claimOutcome{
			replyToSub: wire.Error(wire.ErrNotHolder, "you do not hold the claim on this session", h.name, ""),
		}
	}
	h.claim = ClaimState{}
	return claimOutcome{
		accepted: true,
		changed:  true,
		claimed:  wire.Released(h.name, ""),
	}
}

// tryForceRelease applies the ForceRelease(sub) transition: admin or
// higher may force-release any held claim. The caller must already be a
// subscriber of this session (§9 Open Questions: forceRelease by a
// non-subscriber is out of scope).
func (h *Hub) tryForceRelease(sub *Subscriber) claimOutcome {
	if !authority.Allowed(sub.Principal.Role, authority.ActionForceRelease) {
		return claimOutcome{
			replyToSub: wire.Error(wire.ErrForbidden, "role does not permit forcing a release", h.name, ""),
		}
	}
	if !h.claim.Held {
		return claimOutcome{}
	}
	h.claim = ClaimState{}
	return claimOutcome{
		accepted: true,
		changed:  true,
		claimed:  wire.Released(h.name, wire.ReasonForced),
	}
}

// expireClaim applies the ClaimExpired transition fired by the idle
// watchdog on a HeartbeatTick.
func (h *Hub) expireClaim() claimOutcome {
	if !h.claim.Held {
		return claimOutcome{}
	}
	h.claim = ClaimState{}
	return claimOutcome{
		accepted: true,
		changed:  true,
		claimed:  wire.Released(h.name, wire.ReasonExpired),
	}
}

// releaseOnHolderGone applies the Unsubscribe(sub) transition when sub is
// the claim holder's only remaining connection to this session.
func (h *Hub) releaseOnHolderGone() claimOutcome {
	if !h.claim.Held {
		return claimOutcome{}
	}
	h.claim = ClaimState{}
	return claimOutcome{
		accepted: true,
		changed:  true,
		claimed:  wire.Released(h.name, wire.ReasonHolderGone),
	}
}

// holderHasOtherConnection reports whether the claim holder has a
// member subscription other than sub still present.
func (h *Hub) holderHasOtherConnection(sub *Subscriber) bool {
	if !h.claim.Held {
		return false
	}
	for m := range h.members {
		if m == sub {
			continue
		}
		if m.Principal.UserID == h.claim.HolderID {
			return true
		}
	}
	return false
}
