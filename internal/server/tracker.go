package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"trak/internal/engine"
)

// TrackerEventRequest is the inbound adapter payload. External trackers push
// their task events here; each event is translated into the corresponding
// engine operation, so governance applies to pushed assignments exactly as it
// does to local ones.
type TrackerEventRequest struct {
	Event     string `json:"event" enum:"task.created,task.assigned,task.completed"`
	StoryCode string `json:"story_code,omitempty" example:"VAL-001"`
	TaskID    string `json:"task_id,omitempty"`
	Title     string `json:"title,omitempty"`
	Assignee  string `json:"assignee,omitempty"`
	Actor     string `json:"actor,omitempty"`
}

type trackerEventResult struct {
	Event  string `json:"event"`
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

func registerTrackerHook(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "tracker-hook",
		Method:      http.MethodPost,
		Path:        "/hooks/tracker",
		Summary:     "Inbound tracker event",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body TrackerEventRequest `json:"body"`
	}) (*struct {
		Body trackerEventResult `json:"body"`
	}, error) {
		actor := input.Body.Actor
		if actor == "" {
			var authErr huma.StatusError
			actor, authErr = actorFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
		}
		switch input.Body.Event {
		case "task.created":
			t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
				StoryCode: input.Body.StoryCode,
				Title:     input.Body.Title,
				Assignee:  input.Body.Assignee,
				Actor:     actor,
			})
			if err != nil {
				return nil, handleError(err)
			}
			return trackerResult(input.Body.Event, t.ID, t.Status), nil
		case "task.assigned":
			if input.Body.TaskID == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "task_id required", nil)
			}
			assignee := input.Body.Assignee
			t, err := e.UpdateTask(ctx, engine.TaskUpdateOptions{
				ID:       input.Body.TaskID,
				Assignee: &assignee,
				Actor:    actor,
			})
			if err != nil {
				return nil, handleError(err)
			}
			return trackerResult(input.Body.Event, t.ID, t.Status), nil
		case "task.completed":
			if input.Body.TaskID == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "task_id required", nil)
			}
			t, err := e.CompleteTask(ctx, input.Body.TaskID, actor, true)
			if err != nil {
				return nil, handleError(err)
			}
			return trackerResult(input.Body.Event, t.ID, t.Status), nil
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request",
				fmt.Sprintf("unsupported event %q", input.Body.Event), nil)
		}
	})
}

func trackerResult(event, taskID, status string) *struct {
	Body trackerEventResult `json:"body"`
} {
	return &struct {
		Body trackerEventResult `json:"body"`
	}{Body: trackerEventResult{Event: event, TaskID: taskID, Status: status}}
}
