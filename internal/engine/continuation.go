package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/wallflower-bot/wallflower/internal/events"
	"github.com/wallflower-bot/wallflower/internal/llm"
	"github.com/wallflower-bot/wallflower/internal/session"
)

const (
	// continueJudgeWindow is how many recent turns the continuation
	// judge sees.
	continueJudgeWindow = 8
	// maxConsecutiveFollowUps caps unprompted replies in one watch run.
	maxConsecutiveFollowUps = 2
)

// watchHandle identifies one running watcher so a replacement can tell
// whether the registry entry is still its own.
type watchHandle struct {
	id     string
	cancel context.CancelFunc
}

// startWatch begins post-reply continuation watching for a group
// session. A new watcher replaces any previous one for the same
// session, so only the latest reply is ever being followed up on.
func (e *Engine) startWatch(msg InboundMessage) {
	key := session.Resolve(msg.SenderID, msg.GroupID)
	runID := uuid.NewString()

	// Snapshot the history length before handing off to the goroutine,
	// so messages that land right after the reply are counted as new.
	baseline := e.historyLen(msg.SenderID, msg.GroupID)

	ctx, cancel := context.WithCancel(context.Background())
	e.watchMu.Lock()
	if prev, ok := e.watchers[key]; ok {
		prev.cancel()
	}
	e.watchers[key] = watchHandle{id: runID, cancel: cancel}
	e.watchMu.Unlock()

	go e.watch(ctx, key, runID, msg, baseline)
}

// Close cancels all running continuation watchers.
func (e *Engine) Close() {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	for key, h := range e.watchers {
		h.cancel()
		delete(e.watchers, key)
	}
}

func (e *Engine) finishWatch(key session.Key, runID string) {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	if h, ok := e.watchers[key]; ok && h.id == runID {
		h.cancel()
		delete(e.watchers, key)
	}
}

// watch polls the session history after a reply. Each newly observed
// message gets one continuation verdict; an approving verdict produces
// a follow-up reply, any other outcome ends the run. The run also ends
// on its wall-clock ceiling, on cancellation, and after the
// consecutive-reply cap.
func (e *Engine) watch(ctx context.Context, key session.Key, runID string, msg InboundMessage, baseline int) {
	defer e.finishWatch(key, runID)

	e.publishWatch(events.KindWatchStarted, key, runID, nil)

	deadline := time.Now().Add(e.cfg.Continue.MaxDuration())
	seen := 0
	consecutive := 0
	reason := "exhausted"

	for seen < e.cfg.Continue.MaxMessages {
		if time.Now().After(deadline) {
			reason = "timeout"
			break
		}
		select {
		case <-ctx.Done():
			e.publishWatch(events.KindWatchStopped, key, runID, map[string]any{"reason": "cancelled"})
			return
		case <-time.After(e.pollDelay):
		}

		turns, err := e.store.History(msg.SenderID, msg.GroupID)
		if err != nil {
			e.logger.Warn("watch history read failed", "session", key.String(), "error", err)
			continue
		}
		if len(turns)-baseline <= seen {
			continue
		}
		seen++

		window := turns
		if len(window) > continueJudgeWindow {
			window = window[len(window)-continueJudgeWindow:]
		}
		msgs := make([]llm.Message, 0, len(window))
		for _, t := range window {
			msgs = append(msgs, llm.Message{Role: t.Role, Content: t.Content})
		}

		cont, err := e.judge.ShouldContinue(ctx, msgs, e.botNickname())
		if err != nil {
			e.logger.Warn("continuation judge failed", "session", key.String(), "error", err)
			reason = "judge_error"
			break
		}
		if !cont {
			reason = "done"
			break
		}
		if consecutive >= maxConsecutiveFollowUps {
			reason = "max_consecutive"
			break
		}
		consecutive++

		reply, err := e.responder.FollowUp(ctx, msg.SenderID, msg.GroupID)
		if err != nil {
			e.logger.Warn("follow-up generation failed", "session", key.String(), "error", err)
			reason = "respond_error"
			break
		}
		if reply == "" {
			reason = "done"
			break
		}

		e.deliver(ctx, msg.Platform, key, reply)
		if err := e.store.AppendShortTerm(msg.SenderID, msg.GroupID, llm.RoleAssistant, reply, e.botNickname()); err != nil {
			e.logger.Warn("follow-up append failed", "session", key.String(), "error", err)
		}
		e.counters.NoteReply(key)
		e.publishWatch(events.KindWatchReply, key, runID, map[string]any{"consecutive": consecutive})

		baseline = e.historyLen(msg.SenderID, msg.GroupID)
	}

	e.publishWatch(events.KindWatchStopped, key, runID, map[string]any{"reason": reason})
}

func (e *Engine) historyLen(userID, groupID string) int {
	turns, err := e.store.History(userID, groupID)
	if err != nil {
		return 0
	}
	return len(turns)
}

func (e *Engine) publishWatch(kind string, key session.Key, runID string, extra map[string]any) {
	data := map[string]any{"session": key.String(), "run_id": runID}
	for k, v := range extra {
		data[k] = v
	}
	e.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceContinuation,
		Kind:      kind,
		Data:      data,
	})
}
