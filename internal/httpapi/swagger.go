//go:build swagger

package httpapi

import (
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/swaggo/swag"
)

// docTemplate is the OpenAPI document served at /swagger/doc.json. Schemas
// are generated from the godoc annotations with `swag init`; this template
// carries the route index until then.
const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "{{.Title}}",
        "description": "{{escape .Description}}",
        "version": "{{.Version}}"
    },
    "basePath": "{{.BasePath}}",
    "paths": {
        "/models": {"get": {"tags": ["models"], "summary": "List models"}},
        "/models/info": {"get": {"tags": ["models"], "summary": "Read GGUF metadata"}},
        "/contexts": {
            "post": {"tags": ["contexts"], "summary": "Create a context"},
            "delete": {"tags": ["contexts"], "summary": "Release all contexts"}
        },
        "/contexts/{id}": {"delete": {"tags": ["contexts"], "summary": "Release a context"}},
        "/contexts/{id}/completion": {"post": {"tags": ["contexts"], "summary": "Run a completion"}},
        "/contexts/{id}/stop": {"post": {"tags": ["contexts"], "summary": "Stop the running completion"}},
        "/status": {"get": {"tags": ["ops"], "summary": "Manager status"}}
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "llamactx API",
	Description:      "HTTP API for llama.cpp contexts: creation, completion streaming, sessions and LoRA.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}

// MountSwagger serves the Swagger UI under /swagger/.
func MountSwagger(r chi.Router) {
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
}
