package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"trak/internal/engine"
	"trak/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"assignment_denied"`
	Message string         `json:"message" example:"assignment of \"backend-dev\" denied on story VAL-001"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"kind\":\"generic_role_assignment\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Trak API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Trak API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerFeatures(group, cfg.Engine)
	registerStories(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerAgents(group, cfg.Engine)
	registerRetrospectives(group, cfg.Engine)
	registerActivity(group, cfg.Engine)
	registerTrackerHook(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ae *engine.AssignmentError
	if errors.As(err, &ae) {
		return newAPIError(http.StatusUnprocessableEntity, "assignment_denied", err.Error(), map[string]any{
			"story_code":  ae.StoryCode,
			"assignee":    ae.Assignee,
			"kind":        string(ae.Denial.Kind),
			"remediation": ae.Denial.Remediation,
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "transition"):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, nil)
	case strings.Contains(lowered, "already"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Trak API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerFeatures(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-feature",
		Method:        http.MethodPost,
		Path:          "/features",
		Summary:       "Create feature",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateFeatureRequest `json:"body"`
	}) (*struct {
		Body featureResponseBody `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := e.CreateFeature(ctx, input.Body.Code, input.Body.Name, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body featureResponseBody `json:"body"`
		}{Body: featureResponseBody{Feature: f}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-features",
		Method:      http.MethodGet,
		Path:        "/features",
		Summary:     "List features",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body featureList `json:"body"`
	}, error) {
		features, err := e.Repo.ListFeatures(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body featureList `json:"body"`
		}{Body: featureList{Items: emptyFeatures(features)}}, nil
	})
}

func registerStories(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-story",
		Method:        http.MethodPost,
		Path:          "/stories",
		Summary:       "Create story",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateStoryRequest `json:"body"`
	}) (*struct {
		Body StoryResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.CreateStory(ctx, input.Body.FeatureCode, input.Body.Title, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StoryResponse `json:"body"`
		}{Body: StoryResponse{Story: s, Mode: "free-form"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-stories",
		Method:      http.MethodGet,
		Path:        "/stories",
		Summary:     "List stories",
	}, func(ctx context.Context, input *struct {
		FeatureCode string `query:"feature_code"`
		Status      string `query:"status"`
	}) (*struct {
		Body storyList `json:"body"`
	}, error) {
		stories, err := e.Repo.ListStories(ctx, repo.StoryFilters{FeatureCode: input.FeatureCode, Status: input.Status})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body storyList `json:"body"`
		}{Body: storyList{Items: emptyStories(stories)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-story",
		Method:      http.MethodGet,
		Path:        "/stories/{code}",
		Summary:     "Get story with derived governance mode",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Code string `path:"code"`
	}) (*struct {
		Body StoryResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetStory(ctx, input.Code)
		if err != nil {
			return nil, handleError(err)
		}
		mode, err := e.StoryMode(ctx, s.Code)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StoryResponse `json:"body"`
		}{Body: StoryResponse{Story: s, Mode: string(mode)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-story-status",
		Method:      http.MethodPatch,
		Path:        "/stories/{code}/status",
		Summary:     "Set story status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Code string                   `path:"code"`
		Body UpdateStoryStatusRequest `json:"body"`
	}) (*struct {
		Body StoryResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.SetStoryStatus(ctx, input.Code, input.Body.Status, actor, input.Body.Force)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StoryResponse `json:"body"`
		}{Body: StoryResponse{Story: s}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-story",
		Method:      http.MethodPost,
		Path:        "/stories/{code}/validate",
		Summary:     "Run the compliance gate pipeline",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Code   string `path:"code"`
		Strict bool   `query:"strict"`
	}) (*struct {
		Body reportResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		strict := input.Strict
		if !strict && e.Config != nil {
			strict = e.Config.Governance.Strict
		}
		report, err := e.ValidateStory(ctx, input.Code, strict, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body reportResponse `json:"body"`
		}{Body: reportResponse{Report: report}}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body taskResponseBody `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			StoryCode: input.Body.StoryCode,
			Title:     input.Body.Title,
			Assignee:  input.Body.Assignee,
			Actor:     actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body taskResponseBody `json:"body"`
		}{Body: taskResponseBody{Task: t}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		StoryCode string `query:"story_code"`
		Status    string `query:"status"`
		Assignee  string `query:"assignee"`
	}) (*struct {
		Body taskList `json:"body"`
	}, error) {
		tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			StoryCode: input.StoryCode,
			Status:    input.Status,
			Assignee:  input.Assignee,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body taskList `json:"body"`
		}{Body: taskList{Items: emptyTasks(tasks)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body taskResponseBody `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body taskResponseBody `json:"body"`
		}{Body: taskResponseBody{Task: t}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}",
		Summary:     "Update task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID    string            `path:"id"`
		Force bool              `query:"force"`
		Body  UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body taskResponseBody `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TaskUpdateOptions{
			ID:       input.ID,
			Title:    input.Body.Title,
			Assignee: input.Body.Assignee,
			Actor:    actor,
			Force:    input.Force,
		}
		if input.Body.Status != nil {
			opts.Status = *input.Body.Status
		}
		t, err := e.UpdateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body taskResponseBody `json:"body"`
		}{Body: taskResponseBody{Task: t}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/complete",
		Summary:     "Complete task",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Force bool   `query:"force"`
	}) (*struct {
		Body taskResponseBody `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CompleteTask(ctx, input.ID, actor, input.Force)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body taskResponseBody `json:"body"`
		}{Body: taskResponseBody{Task: t}}, nil
	})
}

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Register agent definition",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body RegisterAgentRequest `json:"body"`
	}) (*struct {
		Body agentResponseBody `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.RegisterAgent(ctx, engine.AgentRegisterOptions{
			StoryCode: input.Body.StoryCode,
			Role:      input.Body.Role,
			Name:      input.Body.Name,
			Actor:     actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body agentResponseBody `json:"body"`
		}{Body: agentResponseBody{AgentDefinition: a}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agent definitions reachable from a story",
	}, func(ctx context.Context, input *struct {
		StoryCode string `query:"story_code"`
	}) (*struct {
		Body agentList `json:"body"`
	}, error) {
		agents, err := e.Repo.ListAgents(ctx, input.StoryCode)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body agentList `json:"body"`
		}{Body: agentList{Items: emptyAgents(agents)}}, nil
	})
}

func registerRetrospectives(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "attach-retro",
		Method:        http.MethodPost,
		Path:          "/retros",
		Summary:       "Attach retrospective to a task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body AttachRetroRequest `json:"body"`
	}) (*struct {
		Body retroResponseBody `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		re, err := e.AttachRetrospective(ctx, input.Body.TaskID, input.Body.Summary, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body retroResponseBody `json:"body"`
		}{Body: retroResponseBody{Retrospective: re}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-retros",
		Method:      http.MethodGet,
		Path:        "/retros",
		Summary:     "List retrospectives",
	}, func(ctx context.Context, input *struct {
		StoryCode string `query:"story_code"`
	}) (*struct {
		Body retroList `json:"body"`
	}, error) {
		retros, err := e.Repo.ListRetrospectives(ctx, input.StoryCode)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body retroList `json:"body"`
		}{Body: retroList{Items: emptyRetros(retros)}}, nil
	})
}

func registerActivity(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-activity",
		Method:      http.MethodGet,
		Path:        "/activity",
		Summary:     "Tail the activity log",
	}, func(ctx context.Context, input *struct {
		StoryCode string `query:"story_code"`
		Type      string `query:"type"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    int64  `query:"cursor"`
	}) (*struct {
		Body activityList `json:"body"`
	}, error) {
		entries, err := e.Repo.LatestActivity(ctx, input.Limit, input.Cursor, input.StoryCode, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		resp := activityList{Items: emptyActivity(entries)}
		if len(entries) > 0 {
			resp.NextCursor = entries[len(entries)-1].ID
		}
		return &struct {
			Body activityList `json:"body"`
		}{Body: resp}, nil
	})
}
