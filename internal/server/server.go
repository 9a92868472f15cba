// Package server exposes a workspace as a Shipline hub over HTTP. Origin
// workspaces push generations and evolutions here; the hub keeps its own ids
// and records each row's origin id in the remote_id column.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"shipline/internal/engine"
	"shipline/internal/repo"
	"shipline/internal/version"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope: a flat detail string.
type apiError struct {
	status int
	Detail string `json:"detail" example:"Generation not found"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Detail }

func newAPIError(status int, detail string) huma.StatusError {
	return &apiError{status: status, Detail: detail}
}

// New returns an HTTP handler exposing the hub API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the detail envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, msg)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(body))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, body)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Shipline Hub API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAuth(group, cfg.Auth)
	registerGenerations(group, cfg.Engine)
	registerEvolutions(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookForwarder(cfg.Engine)

	return router, nil
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "Not found")
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already exists"):
		return newAPIError(http.StatusConflict, msg)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, msg)
	default:
		log.Printf("server: %v", err)
		return newAPIError(http.StatusInternalServerError, "Internal server error")
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
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{
							Type: "object",
							Properties: map[string]*huma.Schema{
								"detail": {Type: "string"},
							},
						},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["basicAuth"] = &huma.SecurityScheme{
		Type:   "http",
		Scheme: "basic",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"basicAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	loginPath := path.Join(basePath, "auth/login")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	if !strings.HasPrefix(loginPath, "/") {
		loginPath = "/" + loginPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == loginPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Shipline Hub API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;, basic credentials,
      an HMAC signature, or X-Api-Key.
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

func registerAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Exchange basic credentials for a bearer token",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body dataBody[LoginResponse] `json:"body"`
	}, error) {
		if input.Body.Username == "" || input.Body.Password == "" {
			return nil, newAPIError(http.StatusBadRequest, "Username and password are required")
		}
		if _, err := authenticateBasic(authCfg, input.Body.Username, input.Body.Password); err != nil {
			return nil, newAPIError(http.StatusUnauthorized, "Invalid credentials")
		}
		if authCfg.JWTSecret == "" {
			return nil, newAPIError(http.StatusServiceUnavailable, "Login not configured on this hub")
		}
		token, expires, err := issueToken(authCfg.JWTSecret, input.Body.Username, time.Now())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body dataBody[LoginResponse] `json:"body"`
		}{Body: envelope(LoginResponse{Token: token, ExpiresAt: expires})}, nil
	})
}

func registerGenerations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-generations",
		Method:      http.MethodGet,
		Path:        "/generations",
		Summary:     "List generations",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:",draft,promoted,active,abandoned"`
	}) (*struct {
		Body dataBody[GenerationList] `json:"body"`
	}, error) {
		gens, err := e.Repo.ListGenerations(ctx, repo.GenerationFilters{Status: input.Status})
		if err != nil {
			return nil, handleError(err)
		}
		list := GenerationList{Generations: []GenerationResponse{}}
		for _, g := range gens {
			g.Changes, err = e.Repo.ListChanges(ctx, g.ID)
			if err != nil {
				return nil, handleError(err)
			}
			list.Generations = append(list.Generations, generationResponse(g))
		}
		return &struct {
			Body dataBody[GenerationList] `json:"body"`
		}{Body: envelope(list)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-generation",
		Method:        http.MethodPost,
		Path:          "/generations",
		Summary:       "Receive a pushed generation",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body GenerationPayload `json:"body"`
	}) (*struct {
		Body dataBody[GenerationResponse] `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "Body required")
		}
		if input.Body.Version == "" {
			return nil, newAPIError(http.StatusBadRequest, "version is required")
		}
		g, err := e.ReceiveGeneration(ctx, receiveGenerationParams(input.Body, actor))
		if errors.Is(err, engine.ErrVersionExists) {
			return nil, newAPIError(http.StatusConflict, fmt.Sprintf("Version %s already exists", version.Normalize(input.Body.Version)))
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body dataBody[GenerationResponse] `json:"body"`
		}{Body: envelope(generationResponse(g))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-generation-by-version",
		Method:      http.MethodGet,
		Path:        "/generations/by-version/{version}",
		Summary:     "Get a generation by version",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Version string `path:"version"`
	}) (*struct {
		Body dataBody[GenerationResponse] `json:"body"`
	}, error) {
		g, err := e.Repo.GetGenerationByVersion(ctx, version.Normalize(input.Version))
		if errors.Is(err, repo.ErrNotFound) {
			return nil, newAPIError(http.StatusNotFound, "Generation not found")
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body dataBody[GenerationResponse] `json:"body"`
		}{Body: envelope(generationResponse(g))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-generation",
		Method:      http.MethodGet,
		Path:        "/generations/{id}",
		Summary:     "Get a generation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body dataBody[GenerationResponse] `json:"body"`
	}, error) {
		g, err := e.Repo.GetGeneration(ctx, input.ID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, newAPIError(http.StatusNotFound, "Generation not found")
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body dataBody[GenerationResponse] `json:"body"`
		}{Body: envelope(generationResponse(g))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-generation",
		Method:      http.MethodPatch,
		Path:        "/generations/{id}",
		Summary:     "Apply pushed generation state",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body GenerationPayload `json:"body"`
	}) (*struct {
		Body dataBody[GenerationResponse] `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "Body required")
		}
		g, err := e.ReceiveGenerationUpdate(ctx, input.ID, receiveGenerationParams(input.Body, actor))
		if errors.Is(err, repo.ErrNotFound) {
			return nil, newAPIError(http.StatusNotFound, "Generation not found")
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body dataBody[GenerationResponse] `json:"body"`
		}{Body: envelope(generationResponse(g))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-generation",
		Method:      http.MethodDelete,
		Path:        "/generations/{id}",
		Summary:     "Delete a generation",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		err := e.DeleteGeneration(ctx, input.ID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, newAPIError(http.StatusNotFound, "Generation not found")
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvolutions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-evolutions",
		Method:      http.MethodGet,
		Path:        "/generations/{id}/evolutions",
		Summary:     "List a generation's evolutions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Status string `query:"status" enum:",pending,running,pass,fail"`
	}) (*struct {
		Body dataBody[EvolutionList] `json:"body"`
	}, error) {
		if _, err := e.Repo.GetGeneration(ctx, input.ID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, newAPIError(http.StatusNotFound, "Generation not found")
			}
			return nil, handleError(err)
		}
		evos, err := e.Repo.ListEvolutions(ctx, repo.EvolutionFilters{GenerationID: input.ID, Status: input.Status})
		if err != nil {
			return nil, handleError(err)
		}
		list := EvolutionList{Evolutions: []EvolutionResponse{}}
		for _, evo := range evos {
			list.Evolutions = append(list.Evolutions, evolutionResponse(evo))
		}
		return &struct {
			Body dataBody[EvolutionList] `json:"body"`
		}{Body: envelope(list)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-evolution",
		Method:        http.MethodPost,
		Path:          "/generations/{id}/evolutions",
		Summary:       "Receive a pushed evolution",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body EvolutionPayload `json:"body"`
	}) (*struct {
		Body dataBody[EvolutionResponse] `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Tag == "" {
			return nil, newAPIError(http.StatusBadRequest, "tag is required")
		}
		evo, err := e.ReceiveEvolution(ctx, input.ID, receiveEvolutionParams(input.Body, actor))
		if errors.Is(err, repo.ErrTagTaken) {
			return nil, newAPIError(http.StatusConflict, fmt.Sprintf("Evolution %s already exists", input.Body.Tag))
		}
		if errors.Is(err, repo.ErrNotFound) {
			return nil, newAPIError(http.StatusNotFound, "Generation not found")
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body dataBody[EvolutionResponse] `json:"body"`
		}{Body: envelope(evolutionResponse(evo))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-evolution",
		Method:      http.MethodPatch,
		Path:        "/evolutions/{id}",
		Summary:     "Apply pushed evolution state",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body EvolutionPayload `json:"body"`
	}) (*struct {
		Body dataBody[EvolutionResponse] `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		evo, err := e.ReceiveEvolutionUpdate(ctx, input.ID, receiveEvolutionParams(input.Body, actor))
		if errors.Is(err, repo.ErrNotFound) {
			return nil, newAPIError(http.StatusNotFound, "Evolution not found")
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body dataBody[EvolutionResponse] `json:"body"`
		}{Body: envelope(evolutionResponse(evo))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-evolution",
		Method:      http.MethodDelete,
		Path:        "/evolutions/{id}",
		Summary:     "Delete an evolution",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		err := e.DeleteEvolution(ctx, input.ID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, newAPIError(http.StatusNotFound, "Evolution not found")
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit trail, newest first",
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:",generation,evolution,change,hotfix"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50" minimum:"1" maximum:"200"`
	}) (*struct {
		Body dataBody[EventList] `json:"body"`
	}, error) {
		evts, err := e.AuditTrail(ctx, normalizeLimit(input.Limit), input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		list := EventList{Events: []EventResponse{}}
		for _, evt := range evts {
			list.Events = append(list.Events, eventResponse(evt))
		}
		return &struct {
			Body dataBody[EventList] `json:"body"`
		}{Body: envelope(list)}, nil
	})
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}
