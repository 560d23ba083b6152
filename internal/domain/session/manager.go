package session

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/termdeck/termdeck/internal/infrastructure/logging"
	"github.com/termdeck/termdeck/internal/shared/events"
	"github.com/termdeck/termdeck/internal/shared/id"
)

// ============================================================================
// Manager - Session Registry and State Machine
// ============================================================================

// Manager is the authoritative registry of terminal sessions. It owns quota
// enforcement, the status machine, focus accounting, and suspend/resume.
// Every mutation is a constant-time operation under the registry lock;
// events are published only after the lock is released.
type Manager struct {
	cfg    Config
	bus    events.Bus
	logger *logging.Logger

	mu        sync.RWMutex
	sessions  map[string]*Session
	byProject map[string]map[string]struct{}
	suspended map[string]*SuspendedState

	createdTotal uint64
	closedTotal  uint64
	lifetimeSum  time.Duration

	done     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a session manager. A nil bus gets a private in-memory
// bus and a nil logger is replaced with a no-op logger, so callers pass only
// what they observe.
func NewManager(cfg Config, bus events.Bus, logger *logging.Logger) *Manager {
	if bus == nil {
		bus = events.New()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		cfg:       cfg.withDefaults(),
		bus:       bus,
		logger:    logger,
		sessions:  make(map[string]*Session),
		byProject: make(map[string]map[string]struct{}),
		suspended: make(map[string]*SuspendedState),
		done:      make(chan struct{}),
	}
}

// Start launches the background sweeper that expires abandoned suspensions
// and idle sessions. It returns immediately; the sweeper stops when ctx is
// canceled or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.done:
				return
			case <-ticker.C:
				m.sweepSuspended()
				m.sweepIdle()
			}
		}
	}()
}

// Stop terminates the background sweeper. Idempotent.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

// ============================================================================
// Creation and Lookup
// ============================================================================

// Create registers a new session in INITIALIZING state. It enforces the
// global and per-project quotas atomically with registration, assigns the
// lowest free "Terminal N" tab name within the project, and focuses the
// session when the project still has focus headroom.
func (m *Manager) Create(params CreateParams) (*Session, error) {
	if params.ProjectID == "" {
		return nil, fmt.Errorf("project id is required")
	}

	mode := params.Mode
	if mode == "" {
		mode = ModeNormal
	}
	workingDir := params.WorkingDir
	if workingDir == "" {
		workingDir = os.Getenv("HOME")
		if workingDir == "" {
			workingDir = "/tmp"
		}
	}
	rows, cols := params.Rows, params.Cols
	if rows <= 0 {
		rows = m.cfg.DefaultRows
	}
	if cols <= 0 {
		cols = m.cfg.DefaultCols
	}

	m.mu.Lock()
	if total := m.liveCountLocked(); total >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %d sessions at global capacity %d", ErrLimitExceeded, total, m.cfg.MaxSessions)
	}
	projectLive := len(m.byProject[params.ProjectID])
	if projectLive >= m.cfg.MaxPerProject {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: project %s holds %d of %d sessions", ErrLimitExceeded, params.ProjectID, projectLive, m.cfg.MaxPerProject)
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:        string(id.NewSessionID()),
		ProjectID: params.ProjectID,
		UserID:    params.UserID,
		TabName:   m.nextTabNameLocked(params.ProjectID),
		Mode:      mode,
		Status:    StatusInitializing,
		Metadata: Metadata{
			WorkingDir: workingDir,
			Env:        cloneEnv(params.Env),
			Rows:       rows,
			Cols:       cols,
			Position:   projectLive,
		},
		Metrics:   Metrics{LastActivity: now},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if m.focusedCountLocked(params.ProjectID) < m.cfg.MaxFocusedPerProject {
		sess.Metadata.Focused = true
	}

	m.sessions[sess.ID] = sess
	if m.byProject[params.ProjectID] == nil {
		m.byProject[params.ProjectID] = make(map[string]struct{})
	}
	m.byProject[params.ProjectID][sess.ID] = struct{}{}
	m.createdTotal++
	out := *sess
	m.mu.Unlock()

	m.logger.Info("session created",
		zap.String("session_id", out.ID),
		zap.String("project_id", out.ProjectID),
		zap.String("tab_name", out.TabName),
		zap.String("mode", string(out.Mode)))
	m.publish(events.TypeSessionCreated, out.ID, out.ProjectID, &out)

	result := out
	return &result, nil
}

// Get returns a copy of the session, or nil if it is unknown. Sessions in
// CLOSED state remain visible until the close grace expires, so consumers
// that race a close still resolve the ID.
func (m *Manager) Get(sessionID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	out := *s
	return &out
}

// ListProject returns copies of every live session of a project, ordered by
// layout position.
func (m *Manager) ListProject(projectID string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byProject[projectID]
	out := make([]*Session, 0, len(ids))
	for sid := range ids {
		cp := *m.sessions[sid]
		out = append(out, &cp)
	}
	sortByPosition(out)
	return out
}

// Count returns the number of live sessions across all projects.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.liveCountLocked()
}

// ============================================================================
// Status Machine
// ============================================================================

// UpdateStatus applies a status transition, rejecting moves the machine does
// not permit. Entering ACTIVE refreshes lastActivity; entering ERROR bumps
// the error counter. Publishes a session.status event carrying old and new.
func (m *Manager) UpdateStatus(sessionID string, next Status) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	old := s.Status
	if old == next {
		m.mu.Unlock()
		return nil
	}
	if !old.CanTransition(next) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, old, next)
	}

	now := time.Now().UTC()
	s.Status = next
	s.UpdatedAt = now
	switch next {
	case StatusActive:
		s.Metrics.LastActivity = now
	case StatusError:
		s.Metrics.ErrorCount++
	case StatusClosed:
		m.detachLocked(s, now)
	}
	projectID := s.ProjectID
	m.mu.Unlock()

	m.logger.Debug("session status changed",
		zap.String("session_id", sessionID),
		zap.String("old", string(old)),
		zap.String("new", string(next)))
	m.publish(events.TypeSessionStatus, sessionID, projectID, StatusChange{Old: old, New: next})
	if next == StatusClosed {
		m.publish(events.TypeSessionClosed, sessionID, projectID, nil)
		m.scheduleRemoval(sessionID)
	}
	return nil
}

// ============================================================================
// Focus
// ============================================================================

// SetFocus focuses or unfocuses a session. Focusing beyond the per-project
// ceiling evicts the least-recently-active focused session (oldest creation
// wins ties) instead of failing, so focus requests always succeed.
func (m *Manager) SetFocus(sessionID string, focused bool) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || s.Status == StatusClosed {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if s.Metadata.Focused == focused {
		m.mu.Unlock()
		return nil
	}

	now := time.Now().UTC()
	var evictedID, evictedProject string
	if focused && m.focusedCountLocked(s.ProjectID) >= m.cfg.MaxFocusedPerProject {
		if victim := m.evictionCandidateLocked(s.ProjectID); victim != nil {
			victim.Metadata.Focused = false
			victim.UpdatedAt = now
			evictedID, evictedProject = victim.ID, victim.ProjectID
		}
	}
	s.Metadata.Focused = focused
	s.UpdatedAt = now
	projectID := s.ProjectID
	m.mu.Unlock()

	if evictedID != "" {
		m.logger.Debug("focus evicted",
			zap.String("session_id", evictedID),
			zap.String("replaced_by", sessionID))
		m.publish(events.TypeSessionFocus, evictedID, evictedProject, FocusChange{Focused: false})
	}
	m.publish(events.TypeSessionFocus, sessionID, projectID, FocusChange{Focused: focused})
	return nil
}

// evictionCandidateLocked picks the focused session of a project that was
// least recently active, breaking ties by oldest creation time.
func (m *Manager) evictionCandidateLocked(projectID string) *Session {
	var victim *Session
	for sid := range m.byProject[projectID] {
		s := m.sessions[sid]
		if !s.Metadata.Focused {
			continue
		}
		switch {
		case victim == nil:
			victim = s
		case s.Metrics.LastActivity.Before(victim.Metrics.LastActivity):
			victim = s
		case s.Metrics.LastActivity.Equal(victim.Metrics.LastActivity) && s.CreatedAt.Before(victim.CreatedAt):
			victim = s
		}
	}
	return victim
}

// ============================================================================
// Activity Metrics
// ============================================================================

// RecordActivity refreshes a session's lastActivity timestamp. Like every
// metrics mutator it is a silent no-op for unknown sessions; metrics must
// never fail the data hot path.
func (m *Manager) RecordActivity(sessionID string) {
	m.touch(sessionID, func(s *Session) {})
}

// RecordInput adds to the input byte counter and refreshes activity.
func (m *Manager) RecordInput(sessionID string, n int) {
	m.touch(sessionID, func(s *Session) {
		s.Metrics.InputBytes += uint64(n)
	})
}

// RecordOutput adds to the output byte counter and refreshes activity.
func (m *Manager) RecordOutput(sessionID string, n int) {
	m.touch(sessionID, func(s *Session) {
		s.Metrics.OutputBytes += uint64(n)
	})
}

// RecordCommand increments the executed-command counter.
func (m *Manager) RecordCommand(sessionID string) {
	m.touch(sessionID, func(s *Session) {
		s.Metrics.CommandCount++
	})
}

// RecordError increments the error counter without refreshing activity.
func (m *Manager) RecordError(sessionID string) {
	m.mu.Lock()
	if s, ok := m.sessions[sessionID]; ok {
		s.Metrics.ErrorCount++
	}
	m.mu.Unlock()
}

// RecordUsage stores sampled process resource usage on the session.
func (m *Manager) RecordUsage(sessionID string, cpu float64, memory uint64) {
	m.mu.Lock()
	if s, ok := m.sessions[sessionID]; ok {
		s.Metrics.CPUUsage = cpu
		s.Metrics.MemoryUsage = memory
	}
	m.mu.Unlock()
}

func (m *Manager) touch(sessionID string, fn func(*Session)) {
	now := time.Now().UTC()
	m.mu.Lock()
	if s, ok := m.sessions[sessionID]; ok {
		fn(s)
		s.Metrics.LastActivity = now
	}
	m.mu.Unlock()
}

// SetDimensions updates the stored terminal dimensions after a resize.
func (m *Manager) SetDimensions(sessionID string, rows, cols int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	s.Metadata.Rows = rows
	s.Metadata.Cols = cols
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// ============================================================================
// Suspend / Resume
// ============================================================================

// SuspendProject moves every ACTIVE session of a project to SUSPENDED and
// snapshots metadata and metrics for later resume. Sessions in other states
// are left untouched. Returns the number of sessions suspended.
func (m *Manager) SuspendProject(projectID string) int {
	now := time.Now().UTC()

	m.mu.Lock()
	var changed []string
	for sid := range m.byProject[projectID] {
		s := m.sessions[sid]
		if s.Status != StatusActive {
			continue
		}
		s.Status = StatusSuspended
		s.UpdatedAt = now
		m.suspended[sid] = &SuspendedState{
			SuspendedAt: now,
			Metadata:    cloneMetadata(s.Metadata),
			Metrics:     s.Metrics,
		}
		changed = append(changed, sid)
	}
	m.mu.Unlock()

	for _, sid := range changed {
		m.publish(events.TypeSessionStatus, sid, projectID, StatusChange{Old: StatusActive, New: StatusSuspended})
		m.publish(events.TypeSessionSuspended, sid, projectID, SuspendedEvent{SuspendedAt: now})
	}
	if len(changed) > 0 {
		m.logger.Info("project suspended",
			zap.String("project_id", projectID),
			zap.Int("sessions", len(changed)))
	}
	return len(changed)
}

// StashOutput attaches buffered output chunks to an existing suspension
// snapshot, compressed for the duration of the suspension. It fails when
// the session has no snapshot, meaning it was never suspended.
func (m *Manager) StashOutput(sessionID string, chunks []string) error {
	if len(chunks) == 0 {
		return nil
	}
	compressed, err := compressChunks(chunks)
	if err != nil {
		return fmt.Errorf("stash output: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.suspended[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s has no suspension snapshot", ErrNotFound, sessionID)
	}
	st.Output = compressed
	return nil
}

// ResumeProject wakes the suspended sessions of a project. Sessions whose
// snapshot outlived the suspension timeout are closed as abandoned instead.
// Each resumed session gets a session.resumed event whose payload carries
// the stashed output chunks for redelivery.
func (m *Manager) ResumeProject(projectID string) []*Session {
	now := time.Now().UTC()

	m.mu.Lock()
	var resumed []*Session
	replays := make(map[string][]string)
	var expired []string
	for sid, st := range m.suspended {
		s, ok := m.sessions[sid]
		if !ok || s.ProjectID != projectID {
			continue
		}
		if now.Sub(st.SuspendedAt) > m.cfg.SuspensionTimeout {
			expired = append(expired, sid)
			continue
		}
		s.Status = StatusActive
		s.Metadata = cloneMetadata(st.Metadata)
		s.Metrics = st.Metrics
		s.Metrics.LastActivity = now
		s.UpdatedAt = now
		if len(st.Output) > 0 {
			chunks, derr := decompressChunks(st.Output)
			if derr != nil {
				m.logger.Warn("discarding unreadable suspension output",
					zap.String("session_id", sid), zap.Error(derr))
			} else {
				replays[sid] = chunks
			}
		}
		delete(m.suspended, sid)
		cp := *s
		resumed = append(resumed, &cp)
	}
	m.mu.Unlock()

	for _, sid := range expired {
		m.logger.Info("suspension expired, closing session", zap.String("session_id", sid))
		m.Close(sid)
	}
	for _, s := range resumed {
		m.publish(events.TypeSessionStatus, s.ID, projectID, StatusChange{Old: StatusSuspended, New: StatusActive})
		m.publish(events.TypeSessionResumed, s.ID, projectID, ResumedEvent{Replay: replays[s.ID]})
	}
	if len(resumed) > 0 {
		m.logger.Info("project resumed",
			zap.String("project_id", projectID),
			zap.Int("sessions", len(resumed)))
	}
	return resumed
}

// sweepSuspended closes suspended sessions whose snapshot outlived the
// suspension timeout without a resume.
func (m *Manager) sweepSuspended() {
	now := time.Now().UTC()

	m.mu.RLock()
	var expired []string
	for sid, st := range m.suspended {
		if now.Sub(st.SuspendedAt) > m.cfg.SuspensionTimeout {
			expired = append(expired, sid)
		}
	}
	m.mu.RUnlock()

	for _, sid := range expired {
		m.logger.Info("sweeping expired suspension", zap.String("session_id", sid))
		m.Close(sid)
	}
}

// sweepIdle closes sessions stuck outside ACTIVE past the idle timeout.
// Active sessions idle as long as they like; a shell sitting at a prompt is
// not garbage. Suspended sessions are governed by the suspension timeout.
func (m *Manager) sweepIdle() {
	now := time.Now().UTC()

	m.mu.RLock()
	var stale []string
	for sid, s := range m.sessions {
		switch s.Status {
		case StatusActive, StatusSuspended, StatusClosed:
			continue
		}
		if now.Sub(s.Metrics.LastActivity) > m.cfg.IdleTimeout {
			stale = append(stale, sid)
		}
	}
	m.mu.RUnlock()

	for _, sid := range stale {
		m.logger.Info("sweeping idle session", zap.String("session_id", sid))
		m.Close(sid)
	}
}

// ============================================================================
// Close
// ============================================================================

// Close moves a session to CLOSED and frees its quota slots. It reports
// whether this call performed the close; repeated calls and unknown IDs
// return false, so exactly one caller observes the transition and exactly
// one session.closed event is emitted. The registry entry stays visible for
// the close grace so late lookups still resolve, then is removed.
func (m *Manager) Close(sessionID string) bool {
	now := time.Now().UTC()

	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || s.Status == StatusClosed {
		m.mu.Unlock()
		return false
	}
	old := s.Status
	s.Status = StatusClosed
	s.UpdatedAt = now
	m.detachLocked(s, now)
	projectID := s.ProjectID
	m.mu.Unlock()

	m.logger.Info("session closed",
		zap.String("session_id", sessionID),
		zap.String("project_id", projectID),
		zap.String("previous", string(old)))
	m.publish(events.TypeSessionStatus, sessionID, projectID, StatusChange{Old: old, New: StatusClosed})
	m.publish(events.TypeSessionClosed, sessionID, projectID, nil)
	m.scheduleRemoval(sessionID)
	return true
}

// detachLocked releases the quota slots and snapshot of a session that just
// reached CLOSED. Caller holds the write lock.
func (m *Manager) detachLocked(s *Session, now time.Time) {
	s.Metadata.Focused = false
	if ids, ok := m.byProject[s.ProjectID]; ok {
		delete(ids, s.ID)
		if len(ids) == 0 {
			delete(m.byProject, s.ProjectID)
		}
	}
	delete(m.suspended, s.ID)
	m.closedTotal++
	m.lifetimeSum += now.Sub(s.CreatedAt)
}

// scheduleRemoval drops the registry entry after the close grace expires.
func (m *Manager) scheduleRemoval(sessionID string) {
	time.AfterFunc(m.cfg.CloseGrace, func() {
		m.mu.Lock()
		if s, ok := m.sessions[sessionID]; ok && s.Status == StatusClosed {
			delete(m.sessions, sessionID)
		}
		m.mu.Unlock()
	})
}

// CloseProject closes every live session of a project and returns how many
// this call closed.
func (m *Manager) CloseProject(projectID string) int {
	m.mu.RLock()
	ids := make([]string, 0, len(m.byProject[projectID]))
	for sid := range m.byProject[projectID] {
		ids = append(ids, sid)
	}
	m.mu.RUnlock()

	closed := 0
	for _, sid := range ids {
		if m.Close(sid) {
			closed++
		}
	}
	return closed
}

// CloseAll closes every live session. Used during shutdown.
func (m *Manager) CloseAll() int {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for sid, s := range m.sessions {
		if s.Status != StatusClosed {
			ids = append(ids, sid)
		}
	}
	m.mu.RUnlock()

	closed := 0
	for _, sid := range ids {
		if m.Close(sid) {
			closed++
		}
	}
	return closed
}

// ============================================================================
// Statistics
// ============================================================================

// Stats returns a consistent summary of the registry.
func (m *Manager) Stats() Stats {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	m.mu.RLock()
	stats := Stats{
		ByProject:    make(map[string]int, len(m.byProject)),
		MemoryUsage:  mem.Alloc,
		CreatedTotal: m.createdTotal,
		ClosedTotal:  m.closedTotal,
	}
	for pid, ids := range m.byProject {
		stats.ByProject[pid] = len(ids)
		stats.TotalSessions += len(ids)
	}
	for _, s := range m.sessions {
		switch s.Status {
		case StatusActive:
			stats.ActiveSessions++
		case StatusSuspended:
			stats.SuspendedSessions++
		case StatusError:
			stats.ErroredSessions++
		}
	}
	stats.ProjectCount = len(m.byProject)
	if m.closedTotal > 0 {
		stats.AvgLifetime = m.lifetimeSum / time.Duration(m.closedTotal)
	}
	m.mu.RUnlock()
	return stats
}

// ============================================================================
// Internals
// ============================================================================

// publish emits an event on the bus. Callers must not hold the registry lock.
func (m *Manager) publish(eventType, sessionID, projectID string, payload any) {
	m.bus.Publish(events.Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		ProjectID: projectID,
		Payload:   payload,
	})
}

// nextTabNameLocked assigns the lowest free "Terminal N" name within a
// project, reusing numbers freed by closed sessions.
func (m *Manager) nextTabNameLocked(projectID string) string {
	used := make(map[int]struct{})
	for sid := range m.byProject[projectID] {
		if n, ok := parseTabNumber(m.sessions[sid].TabName); ok {
			used[n] = struct{}{}
		}
	}
	for n := 1; ; n++ {
		if _, taken := used[n]; !taken {
			return "Terminal " + strconv.Itoa(n)
		}
	}
}

func parseTabNumber(name string) (int, bool) {
	const prefix = "Terminal "
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func (m *Manager) focusedCountLocked(projectID string) int {
	count := 0
	for sid := range m.byProject[projectID] {
		if m.sessions[sid].Metadata.Focused {
			count++
		}
	}
	return count
}

// liveCountLocked counts sessions holding a quota slot. CLOSED sessions in
// the grace window are excluded.
func (m *Manager) liveCountLocked() int {
	total := 0
	for _, ids := range m.byProject {
		total += len(ids)
	}
	return total
}

func cloneEnv(env map[string]string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}

func cloneMetadata(md Metadata) Metadata {
	out := md
	out.Env = cloneEnv(md.Env)
	return out
}

func sortByPosition(sessions []*Session) {
	sort.Slice(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		if a.Metadata.Position != b.Metadata.Position {
			return a.Metadata.Position < b.Metadata.Position
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}
