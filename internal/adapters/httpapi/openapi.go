package httpapi

import (
	"net/http"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/httpjson"
)

// handleOpenAPI renvoie une spec OpenAPI minimale, écrite à la main.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	jsonOK := func(schemaRef string) map[string]any {
		return map[string]any{
			"description": "OK",
			"content": map[string]any{
				"application/json": map[string]any{
					"schema": map[string]any{"$ref": schemaRef},
				},
			},
		}
	}
	jsonBody := func(schemaRef string) map[string]any {
		return map[string]any{
			"required": true,
			"content": map[string]any{
				"application/json": map[string]any{
					"schema": map[string]any{"$ref": schemaRef},
				},
			},
		}
	}

	jsonErr := map[string]any{
		"description": "Error",
		"content": map[string]any{
			"application/json": map[string]any{
				"schema": map[string]any{"$ref": "#/components/schemas/Error"},
			},
		},
	}

	// action sur un abonnement: renvoie l'abonnement mis à jour
	subAction := map[string]any{
		"post": map[string]any{
			"responses": map[string]any{
				"200": jsonOK("#/components/schemas/Subscription"),
				"404": jsonErr,
				"409": jsonErr,
			},
		},
	}
	str := map[string]any{"type": "string"}
	integer := map[string]any{"type": "integer"}
	boolean := map[string]any{"type": "boolean"}
	dateTime := map[string]any{"type": "string", "format": "date-time"}

	spec := map[string]any{
		"openapi": "3.0.3",
		"info": map[string]any{
			"title":   "Gallery Subscriber API",
			"version": "v1",
		},
		"components": map[string]any{
			"schemas": map[string]any{
				"OpenAPIDocument": map[string]any{
					"type":                 "object",
					"additionalProperties": true,
				},
				"Error": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"error": str,
						"code":  str,
					},
					"required": []any{"error"},
				},
				"Settings": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"pauseSubscriptions":                   boolean,
						"maxSimultaneousSubscriptions":         map[string]any{"type": "integer", "minimum": 1, "maximum": 64},
						"maxConcurrentConnections":             map[string]any{"type": "integer", "minimum": 1, "maximum": 256},
						"defaultInitialFileLimit":              integer,
						"defaultPeriodicFileLimit":             integer,
						"networkTimeoutSeconds":                integer,
						"connectionErrorWaitSeconds":           integer,
						"serversideBandwidthWaitSeconds":       integer,
						"subscriptionNetworkErrorDelaySeconds": integer,
						"loginRetryDelaySeconds":               integer,
						"consecutiveErrorThreshold":            integer,
						"queryOrder":                           map[string]any{"type": "string", "enum": []any{"alphabetical", "random"}},
					},
					"additionalProperties": false,
				},
				"Checker": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"intendedFilesPerCheck":  map[string]any{"type": "integer", "minimum": 1},
						"neverFasterThanSeconds": map[string]any{"type": "integer", "minimum": 30},
						"neverSlowerThanSeconds": map[string]any{"type": "integer", "minimum": 30},
						"deathFiles":             integer,
						"deathPeriodSeconds":     integer,
					},
				},
				"Query": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"queryText":     str,
						"displayName":   str,
						"paused":        boolean,
						"checkNow":      boolean,
						"dead":          boolean,
						"lastCheckTime": dateTime,
						"nextCheckTime": dateTime,
						"fileSummary":   str,
						"hasFileWork":   boolean,
						"lastFileTime":  dateTime,
					},
				},
				"Subscription": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name":              str,
						"generator":         str,
						"queries":           map[string]any{"type": "array", "items": map[string]any{"$ref": "#/components/schemas/Query"}},
						"checker":           map[string]any{"$ref": "#/components/schemas/Checker"},
						"checkerSummary":    str,
						"initialFileLimit":  integer,
						"periodicFileLimit": integer,
						"paused":            boolean,
						"noWorkUntil":       dateTime,
						"noWorkUntilReason": str,
						"running":           boolean,
						"createdAt":         dateTime,
						"updatedAt":         dateTime,
					},
					"required": []any{"name", "generator", "queries", "checker"},
				},
				"SubscriptionList": map[string]any{
					"type":  "array",
					"items": map[string]any{"$ref": "#/components/schemas/Subscription"},
				},
				"CreateSubscriptionRequest": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name":              str,
						"generator":         str,
						"queries":           map[string]any{"type": "array", "items": str},
						"checker":           map[string]any{"$ref": "#/components/schemas/Checker"},
						"initialFileLimit":  integer,
						"periodicFileLimit": integer,
						"queryOrder":        map[string]any{"type": "string", "enum": []any{"alphabetical", "random"}},
						"paused":            boolean,
					},
					"required": []any{"name", "generator"},
				},
				"Seed": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"key":        str,
						"url":        str,
						"status":     map[string]any{"type": "string", "enum": []any{"unknown", "success", "error", "vetoed"}},
						"note":       str,
						"hash":       str,
						"sourceTime": dateTime,
						"modified":   dateTime,
					},
				},
				"QueryLog": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query":   str,
						"summary": str,
						"files":   map[string]any{"type": "array", "items": map[string]any{"$ref": "#/components/schemas/Seed"}},
						"gallery": map[string]any{"type": "array", "items": map[string]any{"$ref": "#/components/schemas/Seed"}},
					},
				},
				"ManagerStatus": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"paused":          boolean,
						"editing":         boolean,
						"maxSimultaneous": integer,
						"running":         integer,
						"subscriptions": map[string]any{
							"type": "array",
							"items": map[string]any{
								"type": "object",
								"properties": map[string]any{
									"name":      str,
									"running":   boolean,
									"cannotRun": boolean,
									"nextWork":  dateTime,
								},
							},
						},
					},
				},
				"Job": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"id":     str,
						"method": str,
						"url":    str,
						"state": map[string]any{"type": "string", "enum": []any{
							"initialising", "sending-request", "downloading",
							"waiting-on-bandwidth", "waiting-on-connection-error", "waiting-on-serverside-bandwidth",
							"done", "error", "cancelled",
						}},
						"statusText":    str,
						"bytesRead":     integer,
						"bytesExpected": integer,
						"attempts":      integer,
						"errorCode":     str,
						"errorMessage":  str,
						"createdAt":     dateTime,
						"updatedAt":     dateTime,
					},
					"required": []any{"id", "url", "state"},
				},
				"JobList": map[string]any{
					"type":  "array",
					"items": map[string]any{"$ref": "#/components/schemas/Job"},
				},
				"NetworkStatus": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"paused":           boolean,
						"usage":            map[string]any{"type": "array", "items": map[string]any{"type": "object", "additionalProperties": true}},
						"unhealthyDomains": map[string]any{"type": "array", "items": str},
						"logins":           map[string]any{"type": "array", "items": map[string]any{"type": "object", "additionalProperties": true}},
					},
				},
			},
		},
		"paths": map[string]any{
			"/api/v1/health": map[string]any{
				"get": map[string]any{"responses": map[string]any{"200": map[string]any{"description": "OK"}}},
			},
			"/api/v1/version": map[string]any{
				"get": map[string]any{"responses": map[string]any{"200": map[string]any{"description": "OK"}}},
			},
			"/api/v1/openapi.json": map[string]any{
				"get": map[string]any{"responses": map[string]any{"200": jsonOK("#/components/schemas/OpenAPIDocument")}},
			},
			"/api/v1/events": map[string]any{
				"get": map[string]any{
					"parameters": []any{map[string]any{"name": "topic", "in": "query", "schema": str, "description": "Préfixe de topic (répétable)."}},
					"responses":  map[string]any{"200": map[string]any{"description": "SSE"}},
				},
			},
			"/api/v1/settings": map[string]any{
				"get": map[string]any{
					"responses": map[string]any{"200": jsonOK("#/components/schemas/Settings"), "500": jsonErr},
				},
				"put": map[string]any{
					"requestBody": jsonBody("#/components/schemas/Settings"),
					"responses":   map[string]any{"200": jsonOK("#/components/schemas/Settings"), "400": jsonErr, "500": jsonErr},
				},
			},
			"/api/v1/subscriptions": map[string]any{
				"get": map[string]any{
					"responses": map[string]any{"200": jsonOK("#/components/schemas/SubscriptionList"), "500": jsonErr},
				},
				"post": map[string]any{
					"requestBody": jsonBody("#/components/schemas/CreateSubscriptionRequest"),
					"responses":   map[string]any{"201": jsonOK("#/components/schemas/Subscription"), "400": jsonErr, "409": jsonErr},
				},
			},
			"/api/v1/subscriptions/{name}": map[string]any{
				"get": map[string]any{
					"responses": map[string]any{"200": jsonOK("#/components/schemas/Subscription"), "404": jsonErr},
				},
				"patch": map[string]any{
					"requestBody": jsonBody("#/components/schemas/CreateSubscriptionRequest"),
					"responses":   map[string]any{"200": jsonOK("#/components/schemas/Subscription"), "400": jsonErr, "404": jsonErr, "409": jsonErr},
				},
				"delete": map[string]any{
					"responses": map[string]any{"204": map[string]any{"description": "Deleted"}, "404": jsonErr, "409": jsonErr},
				},
			},
			"/api/v1/subscriptions/{name}/pause":        subAction,
			"/api/v1/subscriptions/{name}/resume":       subAction,
			"/api/v1/subscriptions/{name}/check-now":    subAction,
			"/api/v1/subscriptions/{name}/clear-delay":  subAction,
			"/api/v1/subscriptions/{name}/retry-failed": subAction,
			"/api/v1/subscriptions/{name}/queries":      subAction,
			"/api/v1/subscriptions/{name}/queries/{query}": map[string]any{
				"delete": map[string]any{
					"responses": map[string]any{"200": jsonOK("#/components/schemas/Subscription"), "404": jsonErr, "409": jsonErr},
				},
			},
			"/api/v1/subscriptions/{name}/queries/{query}/log": map[string]any{
				"get": map[string]any{
					"responses": map[string]any{"200": jsonOK("#/components/schemas/QueryLog"), "404": jsonErr},
				},
			},
			"/api/v1/subscriptions/{name}/queries/{query}/pause":        subAction,
			"/api/v1/subscriptions/{name}/queries/{query}/resume":       subAction,
			"/api/v1/subscriptions/{name}/queries/{query}/check-now":    subAction,
			"/api/v1/subscriptions/{name}/queries/{query}/reset":        subAction,
			"/api/v1/subscriptions/{name}/queries/{query}/retry-failed": subAction,
			"/api/v1/manager": map[string]any{
				"get": map[string]any{"responses": map[string]any{"200": jsonOK("#/components/schemas/ManagerStatus")}},
			},
			"/api/v1/manager/pause": map[string]any{
				"post": map[string]any{"responses": map[string]any{"200": jsonOK("#/components/schemas/ManagerStatus")}},
			},
			"/api/v1/manager/resume": map[string]any{
				"post": map[string]any{"responses": map[string]any{"200": jsonOK("#/components/schemas/ManagerStatus")}},
			},
			"/api/v1/manager/wake": map[string]any{
				"post": map[string]any{"responses": map[string]any{"202": map[string]any{"description": "Accepted"}}},
			},
			"/api/v1/manager/editing": map[string]any{
				"put": map[string]any{"responses": map[string]any{"200": jsonOK("#/components/schemas/ManagerStatus"), "400": jsonErr}},
			},
			"/api/v1/network": map[string]any{
				"get": map[string]any{"responses": map[string]any{"200": jsonOK("#/components/schemas/NetworkStatus")}},
			},
			"/api/v1/network/pause": map[string]any{
				"post": map[string]any{"responses": map[string]any{"200": jsonOK("#/components/schemas/NetworkStatus")}},
			},
			"/api/v1/network/resume": map[string]any{
				"post": map[string]any{"responses": map[string]any{"200": jsonOK("#/components/schemas/NetworkStatus")}},
			},
			"/api/v1/network/logins/{domain}/invalidate": map[string]any{
				"post": map[string]any{"responses": map[string]any{"204": map[string]any{"description": "Invalidated"}}},
			},
			"/api/v1/network/jobs": map[string]any{
				"get": map[string]any{"responses": map[string]any{"200": jsonOK("#/components/schemas/JobList")}},
			},
			"/api/v1/network/jobs/{id}": map[string]any{
				"get": map[string]any{"responses": map[string]any{"200": jsonOK("#/components/schemas/Job"), "404": jsonErr}},
			},
			"/api/v1/network/jobs/{id}/cancel": map[string]any{
				"post": map[string]any{"responses": map[string]any{"202": map[string]any{"description": "Accepted"}, "404": jsonErr}},
			},
			"/api/v1/files/{hash}": map[string]any{
				"get": map[string]any{"responses": map[string]any{
					"200": map[string]any{"description": "Contenu du fichier"},
					"400": jsonErr,
					"404": jsonErr,
				}},
			},
		},
	}

	httpjson.Write(w, http.StatusOK, spec)
}
