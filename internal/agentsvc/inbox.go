package agentsvc

import (
	"encoding/json"

	"github.com/ksi-dev/ksid/pkg/types"
)

func inboxQueue(agentID string) string { return "agentsvc/inbox/" + agentID }

// enqueueMessage pushes message onto agentID's inbox and ensures exactly
// one drain goroutine is running for it, mirroring internal/completion's
// per-session scheduling guard.
func (s *Service) enqueueMessage(agentID, message string) {
	if err := s.registry.Store().Queue.Push(inboxQueue(agentID), message, 0); err != nil {
		s.log.Error().Err(err).Str("agent_id", agentID).Msg("failed to enqueue message")
		return
	}

	s.mu.Lock()
	if s.activeInbox[agentID] {
		s.mu.Unlock()
		return
	}
	s.activeInbox[agentID] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.drainInbox(agentID)
}

// drainInbox pops messages FIFO from agentID's inbox until the queue runs
// dry, dispatching each as a completion:async request on the agent's
// current session (spec.md §4.6: "the agent's worker consumes it and
// (typically) emits completion:async on its current session").
func (s *Service) drainInbox(agentID string) {
	defer s.wg.Done()
	for {
		var message string
		if err := s.registry.Store().Queue.Pop(inboxQueue(agentID), &message); err != nil {
			s.mu.Lock()
			delete(s.activeInbox, agentID)
			s.mu.Unlock()
			return
		}

		select {
		case <-s.baseCtx.Done():
			s.mu.Lock()
			delete(s.activeInbox, agentID)
			s.mu.Unlock()
			return
		default:
		}

		s.dispatchCompletion(agentID, message)
	}
}

func (s *Service) dispatchCompletion(agentID, message string) {
	rec, err := s.registry.Get(agentID)
	if err != nil {
		s.log.Error().Err(err).Str("agent_id", agentID).Msg("inbox: agent vanished")
		return
	}

	params := map[string]any{"prompt": message, "agent_id": agentID}
	if rec.SessionID != "" {
		params["session_id"] = rec.SessionID
	}
	data := marshalOrEmpty(params)

	result := s.router.Dispatch(s.baseCtx, nil, agentID, "", "completion:async", data)
	if result.Name != "completion:async:result" {
		s.log.Warn().Str("agent_id", agentID).Str("event", result.Name).Msg("inbox: completion:async dispatch failed")
		return
	}

	var ack struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(result.Data, &ack); err != nil || ack.RequestID == "" {
		return
	}

	s.mu.Lock()
	s.requestOf[ack.RequestID] = agentID
	s.inFlight[agentID]++
	s.mu.Unlock()

	s.setStatus(agentID, types.AgentRunning)
}

// watchCompletions consumes completion:result/error/cancelled events and
// decrements the owning agent's in-flight count, transitioning it back to
// idle once no request remains outstanding.
func (s *Service) watchCompletions() {
	defer s.wg.Done()
	for ev := range s.resultSub.Events() {
		var payload struct {
			RequestID string `json:"request_id"`
		}
		if err := json.Unmarshal(ev.Data, &payload); err != nil || payload.RequestID == "" {
			continue
		}

		s.mu.Lock()
		agentID, ok := s.requestOf[payload.RequestID]
		if ok {
			delete(s.requestOf, payload.RequestID)
			if s.inFlight[agentID] > 0 {
				s.inFlight[agentID]--
			}
			remaining := s.inFlight[agentID]
			s.mu.Unlock()
			if remaining == 0 {
				s.setStatus(agentID, types.AgentIdle)
			}
		} else {
			s.mu.Unlock()
		}
	}
}

func (s *Service) setStatus(agentID string, status types.AgentStatus) {
	rec, err := s.registry.Get(agentID)
	if err != nil {
		return
	}
	if rec.Status == types.AgentTerminating || rec.Status == types.AgentTerminated {
		return
	}
	rec.Status = status
	if err := s.registry.Put(rec); err != nil {
		s.log.Error().Err(err).Str("agent_id", agentID).Msg("failed to persist status transition")
	}
}
