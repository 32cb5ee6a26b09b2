package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/nexus/internal/bus"
	"github.com/haasonsaas/nexus/internal/hooks"
	"github.com/haasonsaas/nexus/internal/observability"
	"github.com/haasonsaas/nexus/internal/ratelimit"
	"github.com/haasonsaas/nexus/internal/runhistory"
	"github.com/haasonsaas/nexus/internal/sessions"
	"github.com/haasonsaas/nexus/internal/usage"
	"github.com/haasonsaas/nexus/pkg/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// maxClosedRuns bounds the "recently terminated" set consulted to drop
// late events for runs that have already finished.
const maxClosedRuns = 512

// SchedulerConfig wires a Scheduler's collaborators and policy.
type SchedulerConfig struct {
	Sessions    sessions.Store
	History     *runhistory.Store
	Usage       *usage.Ledger
	Hooks       *hooks.Registry
	Bus         *bus.Bus
	Dialog      *DialogLoop
	Logger      *observability.Logger
	Tracer      *observability.Tracer
	RateLimit   *ratelimit.Limiter
	Queue       models.QueueConfig
	TimeoutSecs int
	IdleResetMinutes int
}

// sessionLane serializes run execution for one session_key: at most one
// run holds runningLock at a time, and everything else queues behind
// it in submission order.
type sessionLane struct {
	mu      sync.Mutex
	running *models.RunState
	queued  []*models.RunState
}

// Scheduler is the agent loop's session scheduler (§4.1): it accepts
// inbound messages, decides per-session queueing policy, serializes
// execution per session, and exposes cancel/steer control.
type Scheduler struct {
	cfg SchedulerConfig

	globalSem chan struct{}

	mu        sync.Mutex
	lanes     map[string]*sessionLane
	active    map[string]*models.RunState
	closed    map[string]bool
	closedSeq []string
	cancelled map[string]bool
	steer     map[string][]SteerEntry
}

// NewScheduler returns a Scheduler ready to accept submissions.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	var sem chan struct{}
	if cfg.Queue.Global && cfg.Queue.MaxConcurrency > 0 {
		sem = make(chan struct{}, cfg.Queue.MaxConcurrency)
	}
	if cfg.TimeoutSecs <= 0 {
		cfg.TimeoutSecs = 120
	}
	return &Scheduler{
		cfg:       cfg,
		globalSem: sem,
		lanes:     make(map[string]*sessionLane),
		active:    make(map[string]*models.RunState),
		closed:    make(map[string]bool),
		cancelled: make(map[string]bool),
		steer:     make(map[string][]SteerEntry),
	}
}

func (s *Scheduler) lane(sessionKey string) *sessionLane {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lanes[sessionKey]
	if !ok {
		l = &sessionLane{}
		s.lanes[sessionKey] = l
	}
	return l
}

var controlCommands = map[string]bool{"/cancel": true, "/status": true, "/reset": true, "/think": true}

func controlCommand(content string) string {
	fields := strings.Fields(strings.TrimSpace(content))
	if len(fields) == 0 {
		return ""
	}
	cmd := strings.ToLower(fields[0])
	if controlCommands[cmd] {
		return cmd
	}
	return ""
}

// SubmitInbound applies the §4.1 queueing policy to msg and, unless it
// was merged/steered into an existing run, spawns a new run task. It
// returns the run_id that will ultimately process msg.
func (s *Scheduler) SubmitInbound(ctx context.Context, msg models.InboundMessage) (string, error) {
	sessionKey := msg.SessionKey()
	lane := s.lane(sessionKey)

	if cmd := controlCommand(msg.Content); cmd != "" {
		return s.spawnRun(ctx, sessionKey, msg, lane), nil
	}

	if s.cfg.RateLimit != nil && !s.cfg.RateLimit.CheckMessage(sessionKey) {
		return "", fmt.Errorf("agent: message rate limit exceeded for session %s", sessionKey)
	}

	s.mu.Lock()
	mode := s.cfg.Queue.Mode
	if mode == "" {
		mode = models.QueueModeQueue
	}
	maxBacklog := s.cfg.Queue.MaxBacklog

	switch mode {
	case models.QueueModeSteer:
		if lane.running != nil {
			runID := lane.running.RunID
			s.mu.Unlock()
			s.SteerRun(runID, msg.Content, "inbound")
			return runID, nil
		}
	case models.QueueModeSteerBacklog:
		if lane.running != nil {
			runID := lane.running.RunID
			if len(lane.queued) > 0 {
				lane.queued[len(lane.queued)-1].Content = msg.Content
			}
			s.mu.Unlock()
			s.SteerRun(runID, msg.Content, "inbound")
			return runID, nil
		}
	case models.QueueModeCollect:
		if len(lane.queued) > 0 {
			last := lane.queued[len(lane.queued)-1]
			windowMs := s.cfg.Queue.CollectWindowMs
			if windowMs <= 0 {
				windowMs = 2000
			}
			if time.Since(last.CreatedAt) <= time.Duration(windowMs)*time.Millisecond {
				last.Content = last.Content + "\n[Collected Followup]\n" + msg.Content
				last.Media = append(last.Media, msg.Media...)
				for k, v := range msg.Metadata {
					if k == "session_key" {
						continue
					}
					if last.Metadata == nil {
						last.Metadata = map[string]any{}
					}
					last.Metadata[k] = v
				}
				runID := last.RunID
				s.mu.Unlock()
				return runID, nil
			}
		}
	case models.QueueModeFollowup:
		if len(lane.queued) > 0 {
			last := lane.queued[len(lane.queued)-1]
			last.Content = msg.Content
			last.Media = msg.Media
			runID := last.RunID
			s.mu.Unlock()
			return runID, nil
		}
	}

	if maxBacklog > 0 && len(lane.queued) >= maxBacklog {
		oldest := lane.queued[0]
		oldest.Content = msg.Content
		oldest.Media = msg.Media
		runID := oldest.RunID
		s.mu.Unlock()
		s.publish(models.EventQueueUpdate, runID, sessionKey, map[string]any{"reason": "overflow_replace"})
		return runID, nil
	}
	s.mu.Unlock()

	return s.spawnRun(ctx, sessionKey, msg, lane), nil
}

func (s *Scheduler) spawnRun(ctx context.Context, sessionKey string, msg models.InboundMessage, lane *sessionLane) string {
	run := &models.RunState{
		RunID:      uuid.NewString(),
		SessionKey: sessionKey,
		Channel:    msg.Channel,
		ChatID:     msg.ChatID,
		Model:      msg.ModelOverride(),
		Status:     models.RunQueued,
		CreatedAt:  time.Now(),
		Content:    msg.Content,
		Media:      msg.Media,
		Metadata:   msg.Metadata,
		SenderID:   msg.SenderID,
	}

	s.mu.Lock()
	s.active[run.RunID] = run
	lane.queued = append(lane.queued, run)
	s.mu.Unlock()

	s.publish(models.EventQueueUpdate, run.RunID, sessionKey, map[string]any{"reason": "enqueued"})

	go s.runTask(ctx, lane, run)
	return run.RunID
}

// CancelRun marks run_id for cooperative cancellation. A queued run that
// has not yet acquired its session lane transitions straight to
// cancelled; a running one is observed by CancelChecker at the dialog
// loop's cooperative checkpoints.
func (s *Scheduler) CancelRun(runID string) {
	s.mu.Lock()
	s.cancelled[runID] = true
	run, ok := s.active[runID]
	if ok && run.Status == models.RunQueued {
		run.Status = models.RunCancelled
		now := time.Now()
		run.EndedAt = &now
		if lane, laneOK := s.lanes[run.SessionKey]; laneOK {
			s.dequeueLocked(lane, run)
		}
	}
	s.mu.Unlock()

	if ok && run.Status == models.RunCancelled {
		s.publish(models.EventRunCancelled, runID, run.SessionKey, nil)
		s.archive(run)
	}
}

// Cancelled implements CancelChecker.
func (s *Scheduler) Cancelled(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled[runID]
}

// SteerRun appends instruction to run_id's steer buffer.
func (s *Scheduler) SteerRun(runID, instruction, source string) {
	s.mu.Lock()
	s.steer[runID] = append(s.steer[runID], SteerEntry{Source: source, Text: instruction})
	run, ok := s.active[runID]
	s.mu.Unlock()
	if ok {
		s.publish(models.EventRunSteer, runID, run.SessionKey, map[string]any{"source": source})
	}
}

// Drain implements SteerSource.
func (s *Scheduler) Drain(runID string) []SteerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.steer[runID]
	delete(s.steer, runID)
	return entries
}

func (s *Scheduler) runTask(ctx context.Context, lane *sessionLane, run *models.RunState) {
	bypassLock := controlCommand(run.Content) == "/cancel"

	if !bypassLock {
		lane.mu.Lock()
		defer lane.mu.Unlock()
		if s.globalSem != nil {
			s.globalSem <- struct{}{}
			defer func() { <-s.globalSem }()
		}
	}

	s.mu.Lock()
	s.dequeueLocked(lane, run)
	lane.running = run
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if lane.running == run {
			lane.running = nil
		}
		s.mu.Unlock()
	}()

	if s.Cancelled(run.RunID) {
		s.finishRun(run, models.RunCancelled, "")
		return
	}

	run.Status = models.RunRunning
	now := time.Now()
	run.StartedAt = &now
	s.publish(models.EventRunStart, run.RunID, run.SessionKey, map[string]any{"channel": run.Channel})
	s.publish(models.EventTypingStart, run.RunID, run.SessionKey, nil)

	if s.cfg.Hooks != nil {
		_ = s.cfg.Hooks.Trigger(ctx, hooks.NewEvent(hooks.EventSessionCreated, "session_start").WithSession(run.SessionKey).WithChannel(run.Channel))
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.TimeoutSecs)*time.Second)
	defer cancel()

	if s.cfg.Tracer != nil {
		var span trace.Span
		runCtx, span = s.cfg.Tracer.Start(runCtx, "agent.run", observability.SpanOptions{
			Attributes: []attribute.KeyValue{
				attribute.String("run_id", run.RunID),
				attribute.String("session_key", run.SessionKey),
			},
		})
		defer span.End()
	}

	outbound, err := s.processMessage(runCtx, run)

	status := models.RunCompleted
	errMsg := ""
	switch {
	case s.Cancelled(run.RunID):
		status = models.RunCancelled
	case err != nil:
		status = models.RunError
		errMsg = err.Error()
	}

	run.Content = ""
	if outbound != nil {
		run.Content = outbound.Content
	}

	s.finishRun(run, status, errMsg)
}

func (s *Scheduler) dequeueLocked(lane *sessionLane, run *models.RunState) {
	out := lane.queued[:0]
	for _, r := range lane.queued {
		if r.RunID != run.RunID {
			out = append(out, r)
		}
	}
	lane.queued = out
}

func (s *Scheduler) finishRun(run *models.RunState, status models.RunStatus, errMsg string) {
	run.Status = status
	run.Error = errMsg
	now := time.Now()
	run.EndedAt = &now

	switch status {
	case models.RunCompleted:
		s.publish(models.EventRunEnd, run.RunID, run.SessionKey, map[string]any{"content_len": len(run.Content)})
	case models.RunError:
		s.publish(models.EventRunError, run.RunID, run.SessionKey, map[string]any{"error": errMsg})
	case models.RunCancelled:
		s.publish(models.EventRunCancelled, run.RunID, run.SessionKey, nil)
	}
	s.publish(models.EventTypingStop, run.RunID, run.SessionKey, nil)

	if s.cfg.Hooks != nil {
		_ = s.cfg.Hooks.Trigger(context.Background(), hooks.NewEvent(hooks.EventSessionEnded, "session_end").WithSession(run.SessionKey).WithChannel(run.Channel))
	}

	s.archive(run)

	if run.UsageTotalTokens > 0 && s.cfg.Usage != nil {
		_ = s.cfg.Usage.Record(context.Background(), models.UsageRecord{
			Timestamp:        now,
			SessionKey:       run.SessionKey,
			RunID:            run.RunID,
			Model:            run.Model,
			PromptTokens:     run.UsagePromptTokens,
			CompletionTokens: run.UsageCompletionTokens,
			TotalTokens:      run.UsageTotalTokens,
		})
	}
}

func (s *Scheduler) archive(run *models.RunState) {
	s.mu.Lock()
	delete(s.active, run.RunID)
	delete(s.cancelled, run.RunID)
	delete(s.steer, run.RunID)
	s.closed[run.RunID] = true
	s.closedSeq = append(s.closedSeq, run.RunID)
	if len(s.closedSeq) > maxClosedRuns {
		evict := s.closedSeq[0]
		s.closedSeq = s.closedSeq[1:]
		delete(s.closed, evict)
	}
	s.mu.Unlock()

	if s.cfg.History != nil {
		s.cfg.History.Append(run)
	}
	if s.cfg.Sessions != nil {
		if session, err := s.cfg.Sessions.GetOrCreate(run.SessionKey); err == nil {
			session.SetLastRun(run)
			_ = s.cfg.Sessions.Save(session)
		}
	}
}

// processMessage implements §4.1 run-execution step 3: idle reset,
// control-command handling, and otherwise the dialog loop.
func (s *Scheduler) processMessage(ctx context.Context, run *models.RunState) (*models.OutboundMessage, error) {
	if s.cfg.Sessions == nil {
		return nil, fmt.Errorf("agent: scheduler has no session store configured")
	}
	session, err := s.cfg.Sessions.GetOrCreate(run.SessionKey)
	if err != nil {
		return nil, fmt.Errorf("agent: load session: %w", err)
	}
	if _, err := s.cfg.Sessions.ApplyIdleReset(session); err != nil {
		return nil, fmt.Errorf("agent: idle reset: %w", err)
	}

	if cmd := controlCommand(run.Content); cmd != "" {
		return s.handleControlCommand(cmd, run, session)
	}

	if s.cfg.Dialog == nil {
		return nil, fmt.Errorf("agent: scheduler has no dialog loop configured")
	}

	result, err := s.cfg.Dialog.Run(ctx, DialogInput{
		Session:    session,
		Content:    run.Content,
		Media:      run.Media,
		Channel:    run.Channel,
		ChatID:     run.ChatID,
		SessionKey: run.SessionKey,
		RunID:      run.RunID,
	})
	run.UsagePromptTokens += result.Usage.PromptTokens
	run.UsageCompletionTokens += result.Usage.CompletionTokens
	run.UsageTotalTokens += result.Usage.TotalTokens
	if err != nil {
		return nil, err
	}
	if result.Suppressed {
		if saveErr := s.cfg.Sessions.Save(session); saveErr != nil {
			return nil, fmt.Errorf("agent: save session: %w", saveErr)
		}
		return nil, nil
	}
	if saveErr := s.cfg.Sessions.Save(session); saveErr != nil {
		return nil, fmt.Errorf("agent: save session: %w", saveErr)
	}
	return &models.OutboundMessage{Channel: run.Channel, ChatID: run.ChatID, Content: result.Content}, nil
}

func (s *Scheduler) handleControlCommand(cmd string, run *models.RunState, session *models.Session) (*models.OutboundMessage, error) {
	switch cmd {
	case "/cancel":
		lane := s.lane(run.SessionKey)
		s.mu.Lock()
		target := lane.running
		s.mu.Unlock()
		if target != nil && target.RunID != run.RunID {
			s.CancelRun(target.RunID)
		}
		return &models.OutboundMessage{Channel: run.Channel, ChatID: run.ChatID, Content: "Cancelled the current run."}, nil
	case "/status":
		lane := s.lane(run.SessionKey)
		s.mu.Lock()
		running := lane.running != nil
		queued := len(lane.queued)
		s.mu.Unlock()
		return &models.OutboundMessage{Channel: run.Channel, ChatID: run.ChatID, Content: fmt.Sprintf("running=%v queued=%d", running, queued)}, nil
	case "/reset":
		session.Clear()
		if err := s.cfg.Sessions.Save(session); err != nil {
			return nil, fmt.Errorf("agent: reset session: %w", err)
		}
		return &models.OutboundMessage{Channel: run.Channel, ChatID: run.ChatID, Content: "Session reset."}, nil
	case "/think":
		return &models.OutboundMessage{Channel: run.Channel, ChatID: run.ChatID, Content: "Thinking mode acknowledged."}, nil
	default:
		return nil, fmt.Errorf("agent: unknown control command %q", cmd)
	}
}

// QueueDepths returns the current backlog length for every session_key
// with at least one queued (not yet running) run. Intended for periodic
// metrics sampling.
func (s *Scheduler) QueueDepths() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	depths := make(map[string]int)
	for key, lane := range s.lanes {
		if n := len(lane.queued); n > 0 {
			depths[key] = n
		}
	}
	return depths
}

func (s *Scheduler) publish(typ models.EventType, runID, sessionKey string, fields map[string]any) {
	if s.cfg.Bus == nil {
		return
	}
	s.mu.Lock()
	dropped := s.closed[runID] && typ != models.EventRunEnd && typ != models.EventRunError && typ != models.EventRunCancelled
	s.mu.Unlock()
	if dropped {
		return
	}
	kind := models.EventKindLifecycle
	switch typ {
	case models.EventQueueUpdate:
		kind = models.EventKindQueue
	case models.EventTypingStart, models.EventTypingStop:
		kind = models.EventKindSession
	}
	s.cfg.Bus.Publish(models.NewEvent(typ, kind, runID, sessionKey, fields))
}
