// Package docs registers the OpenAPI description of the public API with
// swaggo/swag so gin-swagger can serve it. Regenerate with `swag init -g
// cmd/api/main.go` after changing handler annotations.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/requests": {
            "get": {
                "description": "Returns a page of the user's requests, newest first. Supports weak ETag via If-None-Match and may return 304.",
                "produces": ["application/json"],
                "tags": ["Requests"],
                "summary": "List my requests (paginated)",
                "operationId": "listRequests",
                "parameters": [
                    {"type": "string", "example": "user123", "description": "Authenticated user id", "name": "X-User-ID", "in": "header", "required": true},
                    {"type": "string", "description": "Return 304 if ETag matches", "name": "If-None-Match", "in": "header"},
                    {"minimum": 1, "type": "integer", "default": 1, "description": "Page number", "name": "page", "in": "query"},
                    {"maximum": 100, "minimum": 1, "type": "integer", "default": 20, "description": "Items per page", "name": "page_size", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.ListRequestsResponse"}, "headers": {"ETag": {"type": "string", "description": "Weak ETag for current result"}}},
                    "304": {"description": "Not Modified", "schema": {"type": "string"}},
                    "401": {"description": "Missing user", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "500": {"description": "Internal error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            },
            "post": {
                "description": "Admits a Normal or Urgent request for the current user. Urgent requests cost one token, which is debited atomically with creation, and are then emailed to every verified student. A repeated Idempotency-Key returns the original request with 200 and replayed=true.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Requests"],
                "summary": "Post a request",
                "operationId": "createRequest",
                "parameters": [
                    {"type": "string", "example": "user123", "description": "Authenticated user id", "name": "X-User-ID", "in": "header", "required": true},
                    {"type": "string", "description": "Makes retries of this call safe", "name": "Idempotency-Key", "in": "header"},
                    {"description": "Request payload", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.CreateRequestBody"}}
                ],
                "responses": {
                    "200": {"description": "Replayed", "schema": {"$ref": "#/definitions/handlers.CreateRequestResponse"}},
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/handlers.CreateRequestResponse"}},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "401": {"description": "Missing user", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "402": {"description": "Insufficient tokens", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "404": {"description": "User not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "500": {"description": "Internal error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/requests/{id}/broadcast": {
            "get": {
                "description": "Returns the delivery log of the campus-wide email broadcast for one of the user's Urgent requests. Before the worker picks the job up the status is \"pending\".",
                "produces": ["application/json"],
                "tags": ["Requests"],
                "summary": "Broadcast progress of an Urgent request",
                "operationId": "getBroadcast",
                "parameters": [
                    {"type": "string", "example": "user123", "description": "Authenticated user id", "name": "X-User-ID", "in": "header", "required": true},
                    {"type": "string", "format": "uuid", "description": "Request ID (UUID)", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.BroadcastLog"}},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "401": {"description": "Missing user", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "404": {"description": "Request not found or not Urgent", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "500": {"description": "Internal error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/me/tokens": {
            "get": {
                "produces": ["application/json"],
                "tags": ["Users"],
                "summary": "My token balance",
                "operationId": "getTokenBalance",
                "parameters": [
                    {"type": "string", "example": "user123", "description": "Authenticated user id", "name": "X-User-ID", "in": "header", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.TokenBalanceResponse"}},
                    "401": {"description": "Missing user", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "404": {"description": "User not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "500": {"description": "Internal error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "domain.BroadcastLog": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "job_id": {"type": "string"},
                "request_id": {"type": "string"},
                "status": {"type": "string", "enum": ["pending", "processing", "retrying", "completed", "failed"]},
                "attempts": {"type": "integer"},
                "total_recipients": {"type": "integer"},
                "emails_sent": {"type": "integer"},
                "emails_failed": {"type": "integer"},
                "last_error": {"type": "string"},
                "started_at": {"type": "string"},
                "completed_at": {"type": "string"},
                "created_at": {"type": "string"},
                "updated_at": {"type": "string"}
            }
        },
        "domain.Request": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "user_id": {"type": "string"},
                "title": {"type": "string"},
                "description": {"type": "string"},
                "kind": {"type": "string", "enum": ["Normal", "Urgent"]},
                "token_cost": {"type": "integer"},
                "status": {"type": "string", "enum": ["Open", "Fulfilled", "Closed"]},
                "created_at": {"type": "string"},
                "updated_at": {"type": "string"}
            }
        },
        "handlers.CreateRequestBody": {
            "type": "object",
            "properties": {
                "title": {"type": "string", "example": "Need a TI-84 calculator for tomorrow's exam"},
                "description": {"type": "string", "example": "Will return it right after. Library, 9am."},
                "kind": {"type": "string", "enum": ["Normal", "Urgent"], "example": "Urgent"}
            }
        },
        "handlers.CreateRequestResponse": {
            "type": "object",
            "properties": {
                "request": {"$ref": "#/definitions/domain.Request"},
                "remaining_tokens": {"type": "integer", "example": 0},
                "broadcast_job_id": {"type": "string", "example": "urgent-broadcast-req-2b0c5a3e-3d8f-4c35-9d0e-5d2f3f3f8a11"},
                "warning": {"type": "string"},
                "replayed": {"type": "boolean"}
            }
        },
        "handlers.ErrorResponse": {
            "type": "object",
            "properties": {
                "request_id": {"type": "string", "example": "123e4567-e89b-12d3-a456-426614174000"},
                "code": {"type": "string", "example": "not_found"},
                "message": {"type": "string", "example": "resource not found"}
            }
        },
        "handlers.ListRequestsResponse": {
            "type": "object",
            "properties": {
                "requests": {"type": "array", "items": {"$ref": "#/definitions/domain.Request"}},
                "pagination": {"$ref": "#/definitions/handlers.Pagination"}
            }
        },
        "handlers.Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total": {"type": "integer"},
                "total_pages": {"type": "integer"},
                "has_next": {"type": "boolean"}
            }
        },
        "handlers.TokenBalanceResponse": {
            "type": "object",
            "properties": {
                "balance": {"type": "integer", "example": 1}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Campus Market API",
	Description:      "Request admission with token-gated, campus-wide Urgent broadcasts.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
