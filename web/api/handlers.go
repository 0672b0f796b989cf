package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hochfrequenz/claudia-review/internal/domain"
	"github.com/hochfrequenz/claudia-review/internal/orchestrator"
	"github.com/hochfrequenz/claudia-review/internal/prompts"
	"github.com/hochfrequenz/claudia-review/internal/taskstore"
)

// TaskResponse is the API representation of a review task
type TaskResponse struct {
	ID          int64   `json:"id"`
	SlackPostID string  `json:"slack_post_id"`
	ChannelID   string  `json:"channel_id,omitempty"`
	Author      string  `json:"author,omitempty"`
	Content     string  `json:"content,omitempty"`
	PRURL       string  `json:"pr_url,omitempty"`
	PRName      string  `json:"pr_name,omitempty"`
	Selected    bool    `json:"selected"`
	Status      string  `json:"status"`
	SessionID   string  `json:"session_id,omitempty"`
	Error       string  `json:"error,omitempty"`
	CreatedAt   string  `json:"created_at"`
	StartedAt   *string `json:"started_at,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty"`
	Duration    string  `json:"duration,omitempty"`
}

// StatusResponse summarizes the task store and session slots
type StatusResponse struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Active    int `json:"active_sessions"`
	Max       int `json:"max_parallel_sessions"`
}

// CreateTaskRequest is the payload for creating a task from a post
type CreateTaskRequest struct {
	SlackPostID string `json:"slack_post_id"`
	ChannelID   string `json:"channel_id"`
	MessageTS   string `json:"message_ts"`
	Author      string `json:"author"`
	Content     string `json:"content"`
	Selected    bool   `json:"selected"`
}

// SelectionRequest toggles the review selection of a post
type SelectionRequest struct {
	PostID   string `json:"post_id"`
	Selected bool   `json:"selected"`
}

// SettingsResponse reflects the tunable orchestrator settings
type SettingsResponse struct {
	MaxParallelSessions int `json:"max_parallel_sessions"`
	ActiveSessions      int `json:"active_sessions"`
}

// SettingsRequest updates orchestrator settings; zero fields are ignored
type SettingsRequest struct {
	MaxParallelSessions int `json:"max_parallel_sessions"`
	TimeoutMinutes      int `json:"timeout_minutes"`
}

func taskToResponse(t *domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:          t.ID,
		SlackPostID: t.SlackPostID,
		ChannelID:   t.SlackChannelID,
		Author:      t.AuthorName,
		Content:     t.PostContent,
		Selected:    t.Selected,
		Status:      string(t.Status),
		SessionID:   t.SessionID,
		Error:       t.ErrorMessage,
		CreatedAt:   t.CreatedAt.Format(time.RFC3339),
	}
	if t.PR != nil {
		resp.PRURL = t.PR.URL
		resp.PRName = t.PR.String()
	}
	if t.StartedAt != nil {
		v := t.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := t.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &v
	}
	if d := t.Duration(); d > 0 {
		resp.Duration = d.Round(time.Second).String()
	}
	return resp
}

// TaskEvent wraps a task change for SSE broadcast
func TaskEvent(t *domain.Task) SSEEvent {
	return SSEEvent{Type: "task_update", Data: taskToResponse(t)}
}

// writeStoreError maps store and orchestrator errors onto HTTP codes
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, taskstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, taskstore.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, orchestrator.ErrNoCapacity):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		tasks, err := s.store.List(taskstore.ListOptions{})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		status := StatusResponse{
			Total:  len(tasks),
			Active: s.orch.ActiveCount(),
			Max:    s.orch.MaxParallel(),
		}
		for _, t := range tasks {
			switch t.Status {
			case domain.StatusPending:
				status.Pending++
			case domain.StatusRunning:
				status.Running++
			case domain.StatusCompleted:
				status.Completed++
			case domain.StatusFailed:
				status.Failed++
			case domain.StatusCancelled:
				status.Cancelled++
			}
		}

		writeJSON(w, status)
	}
}

func (s *Server) tasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.listTasks(w, r)
		case http.MethodPost:
			s.createTask(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	opts := taskstore.ListOptions{
		SelectedOnly: r.URL.Query().Get("selected") == "true",
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := domain.ReviewStatus(raw)
		if !domain.ValidStatus(status) {
			writeError(w, http.StatusBadRequest, "unknown status "+raw)
			return
		}
		opts.Status = status
	}

	tasks, err := s.store.List(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	responses := make([]TaskResponse, len(tasks))
	for i, t := range tasks {
		responses[i] = taskToResponse(t)
	}
	writeJSON(w, responses)
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SlackPostID == "" {
		writeError(w, http.StatusBadRequest, "slack_post_id is required")
		return
	}

	candidate := &domain.Task{
		SlackPostID:    req.SlackPostID,
		SlackChannelID: req.ChannelID,
		SlackMessageTS: req.MessageTS,
		AuthorName:     req.Author,
		PostContent:    req.Content,
		Selected:       req.Selected,
	}
	if pr, ok := domain.ExtractPullRequestRef(req.Content); ok {
		candidate.PR = &pr
	}

	task, err := s.store.Create(candidate)
	if errors.Is(err, taskstore.ErrAlreadyExists) {
		// Idempotent: the existing record wins
		writeJSON(w, taskToResponse(task))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.Broadcast(SSEEvent{Type: "task_update", Data: taskToResponse(task)})
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, taskToResponse(task))
}

// taskHandler dispatches /api/tasks/{id} and its sub-resources
func (s *Server) taskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
		idPart, action, _ := strings.Cut(rest, "/")
		id, err := strconv.ParseInt(idPart, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid task id")
			return
		}

		switch {
		case action == "" && r.Method == http.MethodGet:
			s.getTask(w, r, id)
		case action == "" && r.Method == http.MethodDelete:
			s.deleteTask(w, r, id)
		case action == "start" && r.Method == http.MethodPost:
			s.startTask(w, r, id)
		case action == "cancel" && r.Method == http.MethodPost:
			s.cancelTask(w, r, id)
		case action == "output" && r.Method == http.MethodGet:
			s.taskOutput(w, r, id)
		case action == "briefing" && r.Method == http.MethodGet:
			s.taskBriefing(w, r, id)
		case action == "stream" && r.Method == http.MethodGet:
			s.streamTask(w, r, id)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request, id int64) {
	task, err := s.store.Get(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, taskToResponse(task))
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request, id int64) {
	if err := s.orch.Delete(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	s.Broadcast(SSEEvent{Type: "task_deleted", Data: map[string]int64{"id": id}})
	writeJSON(w, map[string]string{"status": "deleted"})
}

func (s *Server) startTask(w http.ResponseWriter, r *http.Request, id int64) {
	task, err := s.orch.StartReview(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.Broadcast(SSEEvent{Type: "task_update", Data: taskToResponse(task)})
	writeJSON(w, taskToResponse(task))
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request, id int64) {
	task, err := s.orch.Cancel(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.Broadcast(SSEEvent{Type: "task_update", Data: taskToResponse(task)})
	writeJSON(w, taskToResponse(task))
}

func (s *Server) taskOutput(w http.ResponseWriter, r *http.Request, id int64) {
	output, err := s.orch.TaskOutput(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"id": id, "output": output})
}

func (s *Server) taskBriefing(w http.ResponseWriter, r *http.Request, id int64) {
	task, err := s.store.Get(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	data := prompts.ReviewData{
		Author:      task.AuthorName,
		PostContent: task.PostContent,
	}
	if task.PR != nil {
		data.PRURL = task.PR.URL
		data.PRName = task.PR.String()
	}
	briefing, err := s.prompts.BuildReviewBriefing(data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"id": id, "briefing": briefing})
}

func (s *Server) selectionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var req SelectionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.PostID == "" {
			writeError(w, http.StatusBadRequest, "post_id is required")
			return
		}

		if err := s.store.SetSelected(req.PostID, req.Selected); err != nil {
			writeStoreError(w, err)
			return
		}

		task, err := s.store.GetByPostID(req.PostID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		s.Broadcast(SSEEvent{Type: "task_update", Data: taskToResponse(task)})
		writeJSON(w, taskToResponse(task))
	}
}

func (s *Server) settingsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, SettingsResponse{
				MaxParallelSessions: s.orch.MaxParallel(),
				ActiveSessions:      s.orch.ActiveCount(),
			})

		case http.MethodPut:
			var req SettingsRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid JSON body")
				return
			}
			if req.MaxParallelSessions < 0 || req.TimeoutMinutes < 0 {
				writeError(w, http.StatusBadRequest, "settings must not be negative")
				return
			}
			if req.MaxParallelSessions > 0 {
				s.orch.SetMaxParallel(req.MaxParallelSessions)
			}
			if req.TimeoutMinutes > 0 {
				s.orch.SetSessionTimeout(time.Duration(req.TimeoutMinutes) * time.Minute)
			}
			writeJSON(w, SettingsResponse{
				MaxParallelSessions: s.orch.MaxParallel(),
				ActiveSessions:      s.orch.ActiveCount(),
			})

		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}
