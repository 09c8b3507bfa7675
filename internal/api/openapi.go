package api

import "net/http"

type route struct {
	method, path, summary, scope string
	responses                    []string
}

var routes = []route{
	{"get", "/projects", "List projects", "deployments:ro", []string{"200"}},
	{"get", "/projects/{projectId}/deployments", "List a project's deployments, newest first", "deployments:ro", []string{"200", "404"}},
	{"post", "/projects/{projectId}/deployments", "Request a manual deployment", "deployments:rw", []string{"201", "400", "404"}},
	{"get", "/projects/{projectId}/events", "List a project's webhook deliveries, newest first", "deployments:ro", []string{"200", "404"}},
	{"get", "/deployments", "List recent deployments", "deployments:ro", []string{"200"}},
	{"get", "/deployments/{deploymentId}", "Get a deployment with its history and jobs", "deployments:ro", []string{"200", "404"}},
	{"get", "/events", "Stream gateway events (SSE)", "events:ro", []string{"200"}},
}

var statusText = map[string]string{
	"200": "OK",
	"201": "Created",
	"400": "Bad request",
	"401": "Missing or invalid token",
	"403": "Insufficient scope",
	"404": "Not found",
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the management API.
func buildOpenAPIDoc() map[string]any {
	paths := map[string]any{}
	for _, rt := range routes {
		responses := map[string]any{}
		for _, code := range append(rt.responses, "401", "403") {
			responses[code] = map[string]any{"description": statusText[code]}
		}
		item, _ := paths[rt.path].(map[string]any)
		if item == nil {
			item = map[string]any{}
			paths[rt.path] = item
		}
		item[rt.method] = map[string]any{
			"summary":     rt.summary,
			"responses":   responses,
			"security":    []any{map[string]any{"BearerAuth": []string{}}},
			"x-scope":     rt.scope,
			"operationId": rt.method + rt.path,
		}
	}
	paths["/healthz"] = map[string]any{"get": map[string]any{
		"summary":   "Liveness and job counts",
		"responses": map[string]any{"200": map[string]any{"description": "OK"}},
	}}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "devcontrol management API",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}
