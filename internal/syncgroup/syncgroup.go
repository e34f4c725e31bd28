// Package syncgroup implements the Synchronizer: sample-accurate multi-
// source start, synchronized seek/pause/resume/stop, drift detection and
// correction, and tempo cascading across a group of audiosource.Source
// instances sharing a silent ghost-track master clock.
package syncgroup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aurafx/mixcore/internal/audiosource"
)

// DefaultDriftToleranceFrames is the default bound beyond which a member is
// snapped back to the ghost position.
const DefaultDriftToleranceFrames = 30

// startBarrierTimeout is the deadline of the context StartGroup passes to
// each member's Seek. It does not bound StartGroup's own wait, which lasts
// until every member's Seek and Play have returned.
const startBarrierTimeout = 500 * time.Millisecond

// group holds one SyncGroup's membership, ghost clock, and tempo.
type group struct {
	id      string
	ghost   *ghostTrack
	members []audiosource.Source
	tempo   float64
}

// Synchronizer owns every SyncGroup. A single mutex guards all structural
// and drift-check operations; it is never held across a blocking source
// call such as Play, Seek, or a decoder pre-buffer wait.
type Synchronizer struct {
	logger *slog.Logger

	mu     sync.Mutex
	groups map[string]*group

	autoDrift bool

	masterFrame int64 // master_sample_position, frames advanced by the mixer
}

// New creates an empty Synchronizer.
func New(logger *slog.Logger) *Synchronizer {
	return &Synchronizer{
		logger: logger.With("subsystem", "synchronizer"),
		groups: make(map[string]*group),
	}
}

// CreateSyncGroup establishes a new group from the given members, setting
// the ghost's length to the longest member duration. Returns an error if id
// is already in use.
func (s *Synchronizer) CreateSyncGroup(id string, members []audiosource.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.groups[id]; exists {
		return fmt.Errorf("syncgroup: group %q already exists", id)
	}

	g := &group{id: id, ghost: newGhostTrack(), members: append([]audiosource.Source(nil), members...), tempo: 1.0}
	s.resizeGhost(g)
	s.groups[id] = g

	s.logger.Info("sync group created", "group_id", id, "member_count", len(members))
	return nil
}

// AddMember adds a source to an existing group and recomputes ghost length.
func (s *Synchronizer) AddMember(groupID string, src audiosource.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok {
		return fmt.Errorf("syncgroup: group %q not found", groupID)
	}
	g.members = append(g.members, src)
	s.resizeGhost(g)
	return nil
}

// RemoveMember removes a source from a group by ID and recomputes ghost
// length. Returns false if the group or member was not found.
func (s *Synchronizer) RemoveMember(groupID, sourceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok {
		return false
	}
	for i, m := range g.members {
		if m.ID() == sourceID {
			g.members = append(g.members[:i], g.members[i+1:]...)
			s.resizeGhost(g)
			return true
		}
	}
	return false
}

func (s *Synchronizer) resizeGhost(g *group) {
	var maxFrames int64
	for _, m := range g.members {
		frames := int64(m.DurationSeconds() * float64(m.Config().SampleRate))
		if frames > maxFrames {
			maxFrames = frames
		}
	}
	g.ghost.setLength(maxFrames)
}

// SetSyncGroupTempo cascades a tempo change to the group's ghost and every
// member; members that do not support tempo silently ignore it since
// SetTempo is a best-effort call on the Source contract.
func (s *Synchronizer) SetSyncGroupTempo(groupID string, tempo float64) error {
	s.mu.Lock()
	g, ok := s.groups[groupID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("syncgroup: group %q not found", groupID)
	}

	g.tempo = tempo
	g.ghost.setTempo(tempo)
	for _, m := range g.members {
		m.SetTempo(tempo)
	}
	return nil
}

// StartGroup performs a synchronized start: it closes every gateable
// member's sync gate, seeks ghost and members to 0, then seeks and plays
// every member in parallel and waits for all of those calls to return
// before opening all gates back-to-back. The wait has no timeout of its
// own; each member's Play bounds its own pre-buffer wait. A member that
// fails to seek or play does not abort the start; it simply begins
// emitting once its gate opens, at the cost of some initial underruns.
func (s *Synchronizer) StartGroup(groupID string) error {
	s.mu.Lock()
	g, ok := s.groups[groupID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("syncgroup: group %q not found", groupID)
	}

	g.ghost.seek(0)
	g.ghost.setPlaying(true)

	for _, m := range g.members {
		if gateable, ok := m.(audiosource.Gateable); ok {
			gateable.SetSyncGate(false)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), startBarrierTimeout)
	defer cancel()

	eg, egCtx := errgroup.WithContext(ctx)
	for _, m := range g.members {
		m := m
		eg.Go(func() error {
			if _, err := m.Seek(egCtx, 0); err != nil {
				s.logger.Warn("member seek-to-zero failed during start", "source_id", m.ID(), "error", err)
			}
			if err := m.Play(); err != nil {
				s.logger.Warn("member failed to pre-buffer within start barrier", "source_id", m.ID(), "error", err)
			}
			return nil
		})
	}
	// Barrier result is deliberately ignored: a slow or failing member
	// never aborts the start.
	_ = eg.Wait()

	s.mu.Lock()
	s.masterFrame = 0
	s.mu.Unlock()

	for _, m := range g.members {
		if gateable, ok := m.(audiosource.Gateable); ok {
			gateable.SetSyncGate(true)
		}
	}

	s.logger.Info("sync group started", "group_id", groupID, "member_count", len(g.members))
	return nil
}

// SeekSyncGroup seeks the ghost and every member to positionSeconds and
// sets the master sample position to the matching frame. Alignment after a synchronized seek is
// "eventual" — bounded by the next drift-check interval — rather than the
// "immediate" guarantee StartGroup's pre-buffer barrier provides, since
// members may take a different amount of time to deliver post-seek
// samples from their decoder threads.
func (s *Synchronizer) SeekSyncGroup(groupID string, positionSeconds float64) error {
	s.mu.Lock()
	g, ok := s.groups[groupID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("syncgroup: group %q not found", groupID)
	}

	frame := int64(positionSeconds * float64(ghostSampleRate(g)))
	g.ghost.seek(frame)

	ctx := context.Background()
	for _, m := range g.members {
		if _, err := m.Seek(ctx, positionSeconds); err != nil {
			s.logger.Warn("member seek failed during group seek", "source_id", m.ID(), "error", err)
		}
	}

	s.mu.Lock()
	s.masterFrame = frame
	s.mu.Unlock()
	return nil
}

// ghostSampleRate picks a representative sample rate for converting the
// ghost's seconds-based position into frames; all members in a group are
// expected to share one engine-wide sample rate.
func ghostSampleRate(g *group) int {
	if len(g.members) == 0 {
		return 48000
	}
	return g.members[0].Config().SampleRate
}

// PauseGroup pauses the ghost and every member in sequence.
func (s *Synchronizer) PauseGroup(groupID string) error {
	return s.forEachMember(groupID, func(m audiosource.Source) error { return m.Pause() }, func(g *group) { g.ghost.setPlaying(false) })
}

// ResumeGroup resumes the ghost and every member in sequence.
func (s *Synchronizer) ResumeGroup(groupID string) error {
	return s.forEachMember(groupID, func(m audiosource.Source) error { return m.Play() }, func(g *group) { g.ghost.setPlaying(true) })
}

// StopGroup stops the ghost and every member, then zeroes all positions.
func (s *Synchronizer) StopGroup(groupID string) error {
	err := s.forEachMember(groupID, func(m audiosource.Source) error { return m.Stop() }, func(g *group) {
		g.ghost.setPlaying(false)
		g.ghost.seek(0)
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.masterFrame = 0
	s.mu.Unlock()
	return nil
}

func (s *Synchronizer) forEachMember(groupID string, fn func(audiosource.Source) error, onGhost func(*group)) error {
	s.mu.Lock()
	g, ok := s.groups[groupID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("syncgroup: group %q not found", groupID)
	}

	onGhost(g)
	for _, m := range g.members {
		if err := fn(m); err != nil {
			s.logger.Warn("member transition failed", "source_id", m.ID(), "group_id", groupID, "error", err)
		}
	}
	return nil
}

// EnableAutoDriftCorrection toggles whether AdvanceMasterClock also runs a
// drift check every call, versus the caller driving CheckAndResyncAllGroups
// on its own schedule.
func (s *Synchronizer) EnableAutoDriftCorrection(enabled bool) {
	s.mu.Lock()
	s.autoDrift = enabled
	s.mu.Unlock()
}

// AdvanceMasterClock advances every group's ghost by frameCount frames and
// the overall master sample position, intended to be called once per mixer
// tick. If auto drift correction is enabled it also runs a drift check
// using DefaultDriftToleranceFrames.
func (s *Synchronizer) AdvanceMasterClock(frameCount int) {
	s.mu.Lock()
	s.masterFrame += int64(frameCount)
	groups := make([]*group, 0, len(s.groups))
	for _, g := range s.groups {
		groups = append(groups, g)
	}
	auto := s.autoDrift
	s.mu.Unlock()

	for _, g := range groups {
		g.ghost.advance(frameCount)
	}

	if auto {
		s.CheckAndResyncAllGroups(DefaultDriftToleranceFrames)
	}
}

// MasterSamplePosition returns the cumulative frame count the mixer has
// advanced through AdvanceMasterClock.
func (s *Synchronizer) MasterSamplePosition() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.masterFrame
}

// CheckAndResyncAllGroups compares every member's sample position to its
// group's ghost position and, for members drifted beyond toleranceFrames
// times the member's channel count, requests a resync via the Resyncable capability. Members that do not
// implement it are left alone.
func (s *Synchronizer) CheckAndResyncAllGroups(toleranceFrames int64) {
	s.mu.Lock()
	groups := make([]*group, 0, len(s.groups))
	for _, g := range s.groups {
		groups = append(groups, g)
	}
	s.mu.Unlock()

	for _, g := range groups {
		s.checkGroup(g, toleranceFrames)
	}
}

func (s *Synchronizer) checkGroup(g *group, toleranceFrames int64) {
	ghostFrame := g.ghost.currentFrame()
	for _, m := range g.members {
		rate := m.Config().SampleRate
		channels := m.Config().Channels
		if rate == 0 {
			continue
		}
		memberFrame := int64(m.PositionSeconds() * float64(rate))
		drift := memberFrame - ghostFrame
		limit := toleranceFrames * int64(channels)
		if drift > limit || drift < -limit {
			resyncable, ok := m.(audiosource.Resyncable)
			if !ok {
				continue
			}
			if err := resyncable.ResyncTo(ghostFrame); err != nil {
				s.logger.Warn("resync failed", "source_id", m.ID(), "group_id", g.id, "drift_frames", drift, "error", err)
				continue
			}
			s.logger.Debug("member resynced", "source_id", m.ID(), "group_id", g.id, "drift_frames", drift)
		}
	}
}
