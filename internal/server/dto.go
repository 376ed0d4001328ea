package server

import (
	"trak/internal/domain"
	"trak/internal/governance"
)

type CreateFeatureRequest struct {
	Code string `json:"code" example:"VAL"`
	Name string `json:"name,omitempty" example:"Validation engine"`
}

type CreateStoryRequest struct {
	FeatureCode string `json:"feature_code" example:"VAL"`
	Title       string `json:"title" example:"Gate the assignment flow"`
}

type UpdateStoryStatusRequest struct {
	Status string `json:"status" enum:"draft,ready,in_progress,done,cancelled"`
	Force  bool   `json:"force,omitempty"`
}

type CreateTaskRequest struct {
	StoryCode string `json:"story_code" example:"VAL-001"`
	Title     string `json:"title" example:"Wire the parser"`
	Assignee  string `json:"assignee,omitempty" example:"backend-dev-val-001-v1"`
}

type UpdateTaskRequest struct {
	Title    *string `json:"title,omitempty"`
	Assignee *string `json:"assignee,omitempty"`
	Status   *string `json:"status,omitempty" enum:"todo,in_progress,completed,cancelled"`
}

type RegisterAgentRequest struct {
	StoryCode string `json:"story_code,omitempty" example:"VAL-001"`
	Role      string `json:"role" example:"backend-dev"`
	Name      string `json:"name" example:"backend-dev-val-001"`
}

type AttachRetroRequest struct {
	TaskID  string `json:"task_id"`
	Summary string `json:"summary"`
}

type StoryResponse struct {
	domain.Story
	Mode string `json:"mode,omitempty" enum:"free-form,managed"`
}

type featureResponseBody struct {
	domain.Feature
}

type taskResponseBody struct {
	domain.Task
}

type agentResponseBody struct {
	domain.AgentDefinition
}

type retroResponseBody struct {
	domain.Retrospective
}

type storyList struct {
	Items []domain.Story `json:"items"`
}

type featureList struct {
	Items []domain.Feature `json:"items"`
}

type taskList struct {
	Items []domain.Task `json:"items"`
}

type agentList struct {
	Items []domain.AgentDefinition `json:"items"`
}

type retroList struct {
	Items []domain.Retrospective `json:"items"`
}

type activityList struct {
	Items      []domain.ActivityEntry `json:"items"`
	NextCursor int64                  `json:"next_cursor,omitempty"`
}

type reportResponse struct {
	governance.Report
}

func emptyFeatures(in []domain.Feature) []domain.Feature {
	if in == nil {
		return []domain.Feature{}
	}
	return in
}

func emptyStories(in []domain.Story) []domain.Story {
	if in == nil {
		return []domain.Story{}
	}
	return in
}

func emptyTasks(in []domain.Task) []domain.Task {
	if in == nil {
		return []domain.Task{}
	}
	return in
}

func emptyAgents(in []domain.AgentDefinition) []domain.AgentDefinition {
	if in == nil {
		return []domain.AgentDefinition{}
	}
	return in
}

func emptyRetros(in []domain.Retrospective) []domain.Retrospective {
	if in == nil {
		return []domain.Retrospective{}
	}
	return in
}

func emptyActivity(in []domain.ActivityEntry) []domain.ActivityEntry {
	if in == nil {
		return []domain.ActivityEntry{}
	}
	return in
}
