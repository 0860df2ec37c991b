// Package server exposes the engine over HTTP. Routes are registered with
// huma on a chi router so the OpenAPI description stays in lockstep with
// the handlers.
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

	"stageline/internal/broadcast"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/ingest"
	"stageline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Ingest   *ingest.Machine
	Hub      *broadcast.Hub
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"task t2 cannot move from ready to done"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type actorKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Stageline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := r.Header.Get("X-Actor-ID")
			if actor == "" {
				actor = "anonymous"
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
		})
	})
	hcfg := huma.DefaultConfig("Stageline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerItems(group, cfg.Engine)
	registerBoard(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerBriefs(group, cfg.Engine)
	registerSessions(group, cfg.Ingest)
	registerEvents(group, cfg.Engine)
	registerStream(router, basePath, cfg.Hub)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func actorID(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return "anonymous"
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

// handleError maps the engine's typed errors onto the API envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var ite domain.InvalidTransitionError
	if errors.As(err, &ite) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(),
			map[string]any{"entity": ite.Entity, "id": ite.ID, "from": ite.From, "to": ite.To})
	}
	var ime domain.ImmutableDocumentError
	if errors.As(err, &ime) {
		return newAPIError(http.StatusConflict, "immutable_document", err.Error(),
			map[string]any{"brief_id": ime.BriefID})
	}
	var due domain.DependencyUnmetError
	if errors.As(err, &due) {
		return newAPIError(http.StatusUnprocessableEntity, "dependency_unmet", err.Error(),
			map[string]any{"task_id": due.TaskID, "blocking": due.Blocking})
	}
	var ce domain.CollaboratorError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusBadGateway, "collaborator_failed", err.Error(),
			map[string]any{"op": ce.Op})
	}
	var pe domain.PersistenceError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error",
			map[string]any{"error": err.Error()})
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "cycle"):
		return newAPIError(http.StatusUnprocessableEntity, "dependency_cycle", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown"):
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
    <title>Stageline API Docs</title>
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

func registerProjects(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		p, err := e.CreateProject(ctx, engine.CreateProjectParams{
			ID: input.Body.ID, Kind: input.Body.Kind, Description: desc, ActorID: actorID(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := e.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-project",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}",
		Summary:     "Delete project",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct{}, error) {
		if err := e.DeleteProject(ctx, input.ProjectID, actorID(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerItems(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-item",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/items",
		Summary:       "Create work item",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      CreateItemRequest `json:"body"`
	}) (*struct {
		Body ItemResponse `json:"body"`
	}, error) {
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		if _, err := e.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		it, err := e.CreateItem(ctx, engine.CreateItemParams{
			ID: input.Body.ID, ProjectID: input.ProjectID, Kind: input.Body.Kind,
			Severity: input.Body.Severity, Title: input.Body.Title, Summary: input.Body.Summary,
			Metadata: input.Body.Metadata, ActorID: actorID(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemResponse `json:"body"`
		}{Body: itemResponse(it)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/items",
		Summary:     "List work items",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []ItemResponse `json:"body"`
	}, error) {
		items, err := e.ListItems(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ItemResponse `json:"body"`
		}{Body: mapItems(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/items/{id}",
		Summary:     "Get work item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body ItemResponse `json:"body"`
	}, error) {
		it, err := e.GetItem(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if it.ProjectID != input.ProjectID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "item not found in project", nil)
		}
		return &struct {
			Body ItemResponse `json:"body"`
		}{Body: itemResponse(it)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-item-read",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/items/{id}/read",
		Summary:     "Mark item read",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body ItemResponse `json:"body"`
	}, error) {
		it, err := e.MarkItemRead(ctx, input.ID, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemResponse `json:"body"`
		}{Body: itemResponse(it)}, nil
	})
}

func registerBoard(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-board",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/board",
		Summary:     "Get stage board",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body BoardResponse `json:"body"`
	}, error) {
		board, err := e.GetBoard(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BoardResponse `json:"body"`
		}{Body: BoardResponse{ProjectID: board.ProjectID, Stages: board.Stages}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-item",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/items/{id}/move",
		Summary:     "Move item to a stage",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ProjectID string          `path:"project_id"`
		ID        string          `path:"id"`
		Body      MoveItemRequest `json:"body"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		if input.Body.ToStage == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "to_stage is required", nil)
		}
		t, err := e.MoveItem(ctx, input.ProjectID, input.ID, input.Body.ToStage, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: transitionResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-item-from-board",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/items/{id}/remove",
		Summary:     "Remove item from the board",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		t, err := e.RemoveItem(ctx, input.ProjectID, input.ID, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: transitionResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-transitions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/transitions",
		Summary:     "List stage transitions",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ItemID    string `query:"item_id"`
	}) (*struct {
		Body []TransitionResponse `json:"body"`
	}, error) {
		log, err := e.ListTransitions(ctx, input.ProjectID, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TransitionResponse `json:"body"`
		}{Body: mapTransitions(log)}, nil
	})
}

func registerTasks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		t, err := e.CreateTask(ctx, engine.CreateTaskParams{
			ID: input.Body.ID, ProjectID: input.ProjectID, BriefID: input.Body.BriefID,
			Title: input.Body.Title, DependsOn: input.Body.DependsOn,
			AssignedAgent: input.Body.AssignedAgent, Priority: input.Body.Priority,
			ActorID: actorID(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		tasks, err := e.ListTasks(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(tasks)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if t.ProjectID != input.ProjectID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "task not found in project", nil)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/tasks/{id}",
		Summary:     "Update task",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		ID        string            `path:"id"`
		Body      UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.UpdateTask(ctx, input.ID, actorID(ctx), engine.TaskPatch{
			Title: input.Body.Title, DependsOn: input.Body.DependsOn,
			AssignedAgent: input.Body.AssignedAgent, Priority: input.Body.Priority,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}/tasks/{id}",
		Summary:     "Delete task",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct{}, error) {
		if err := e.DeleteTask(ctx, input.ID, actorID(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	type statusAction struct {
		id      string
		path    string
		summary string
		fn      func(context.Context, string, string) (domain.Task, error)
	}
	for _, action := range []statusAction{
		{"start-task", "start", "Start task", e.StartTask},
		{"request-task-review", "review", "Request review", e.RequestReview},
		{"approve-task", "approve", "Approve task", e.ApproveTask},
		{"complete-task", "done", "Complete task", e.CompleteTask},
		{"fail-task", "fail", "Fail task", e.FailTask},
		{"retry-task", "retry", "Retry task", e.RetryTask},
		{"cancel-task", "cancel", "Cancel task", e.CancelTask},
	} {
		action := action
		huma.Register(api, huma.Operation{
			OperationID: action.id,
			Method:      http.MethodPost,
			Path:        "/projects/{project_id}/tasks/{id}/" + action.path,
			Summary:     action.summary,
			Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity, http.StatusInternalServerError},
		}, func(ctx context.Context, input *struct {
			ProjectID string `path:"project_id"`
			ID        string `path:"id"`
		}) (*struct {
			Body TaskResponse `json:"body"`
		}, error) {
			t, err := action.fn(ctx, input.ID, actorID(ctx))
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body TaskResponse `json:"body"`
			}{Body: taskResponse(t)}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "append-task-progress",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{id}/progress",
		Summary:     "Append task progress",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ProjectID string          `path:"project_id"`
		ID        string          `path:"id"`
		Body      ProgressRequest `json:"body"`
	}) (*struct {
		Body ProgressResponse `json:"body"`
	}, error) {
		m, err := e.AppendProgress(ctx, input.ID, input.Body.Percent, input.Body.Message, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProgressResponse `json:"body"`
		}{Body: ProgressResponse{ID: m.ID, TaskID: m.TaskID, Percent: m.Percent, Message: m.Message, TS: m.TS}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-task-progress",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks/{id}/progress",
		Summary:     "List task progress",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body []ProgressResponse `json:"body"`
	}, error) {
		msgs, err := e.ListProgress(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProgressResponse `json:"body"`
		}{Body: mapProgress(msgs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-blockers",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks/{id}/blockers",
		Summary:     "List unmet dependencies",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		blocking, err := e.TaskBlockers(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		progress, err := e.TaskProgressSummary(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"task_id":   input.ID,
			"blocking":  blocking,
			"completed": progress.Completed,
			"total":     progress.Total,
		}}, nil
	})
}

func registerBriefs(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-brief",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/items/{item_id}/brief",
		Summary:       "Create brief for item",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ItemID    string `path:"item_id"`
	}) (*struct {
		Body BriefResponse `json:"body"`
	}, error) {
		b, err := e.CreateBrief(ctx, input.ItemID, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BriefResponse `json:"body"`
		}{Body: briefResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-briefs",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/briefs",
		Summary:     "List briefs",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []BriefResponse `json:"body"`
	}, error) {
		briefs, err := e.ListBriefs(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []BriefResponse `json:"body"`
		}{Body: mapBriefs(briefs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-brief",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/briefs/{id}",
		Summary:     "Get brief",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body BriefResponse `json:"body"`
	}, error) {
		b, err := e.GetBrief(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BriefResponse `json:"body"`
		}{Body: briefResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-brief",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/briefs/{id}",
		Summary:     "Update brief",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		ID        string             `path:"id"`
		Body      UpdateBriefRequest `json:"body"`
	}) (*struct {
		Body BriefResponse `json:"body"`
	}, error) {
		b, err := e.UpdateBrief(ctx, input.ID, actorID(ctx), engine.BriefPatch{
			ProblemStatement: input.Body.ProblemStatement,
			Goals:            input.Body.Goals,
			Risks:            input.Body.Risks,
			UserStories:      input.Body.UserStories,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BriefResponse `json:"body"`
		}{Body: briefResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "freeze-brief",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/briefs/{id}/freeze",
		Summary:     "Freeze brief",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body BriefResponse `json:"body"`
	}, error) {
		b, err := e.FreezeBrief(ctx, input.ID, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BriefResponse `json:"body"`
		}{Body: briefResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "draft-brief-from-frozen",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/briefs/{id}/draft",
		Summary:       "Open a new draft from a frozen brief",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body BriefResponse `json:"body"`
	}, error) {
		b, err := e.NewDraftFromFrozen(ctx, input.ID, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BriefResponse `json:"body"`
		}{Body: briefResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "materialize-tasks",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/briefs/{id}/tasks",
		Summary:       "Materialize tasks from a frozen brief",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		tasks, err := e.MaterializeTasks(ctx, input.ID, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(tasks)}, nil
	})
}

func registerSessions(api huma.API, m *ingest.Machine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/sessions",
		Summary:       "Create upload session",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		s, err := m.CreateSession(ctx, input.ProjectID, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/sessions",
		Summary:     "List upload sessions",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []SessionResponse `json:"body"`
	}, error) {
		sessions, err := m.ListSessions(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SessionResponse `json:"body"`
		}{Body: mapSessions(sessions)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/sessions/{id}",
		Summary:     "Get upload session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		s, err := m.GetSession(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-session-file",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/sessions/{id}/files",
		Summary:       "Upload a file into a session",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
		Body      struct {
			Name string `json:"name"`
			Data []byte `json:"data,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body FileResponse `json:"body"`
	}, error) {
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		f, err := m.AddFile(ctx, input.ID, input.Body.Name, input.Body.Data, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FileResponse `json:"body"`
		}{Body: FileResponse{ID: f.ID, Name: f.Name, SourceTag: f.SourceTag, Status: f.Status, Position: f.Position}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-session-file-status",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/sessions/{id}/files/{file_id}",
		Summary:     "Set file processing status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
		FileID    string `path:"file_id"`
		Body      struct {
			Status string `json:"status" enum:"uploading,processing,complete,error"`
		} `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if err := m.SetFileStatus(ctx, input.ID, input.FileID, input.Body.Status, actorID(ctx)); err != nil {
			return nil, handleError(err)
		}
		s, err := m.GetSession(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "analyze-session",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/sessions/{id}/analyze",
		Summary:     "Analyze session files",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusBadGateway, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		content, err := m.Analyze(ctx, input.ID, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"problem_statement": content.ProblemStatement,
			"goals":             content.Goals,
			"risks":             content.Risks,
			"user_stories":      content.UserStories,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-session",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}/sessions/{id}",
		Summary:     "Archive upload session",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct{}, error) {
		if err := m.ArchiveSession(ctx, input.ID, actorID(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List event log",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		After     int64  `query:"after"`
		Limit     int    `query:"limit" default:"100"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		evts, err := e.EventsAfter(ctx, input.ProjectID, input.After, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(evts)}, nil
	})
}
