package main

// General API documentation for swaggo. Run `swag init -g cmd/llamactxd/docs.go` to generate docs.
//
// @title           llamactx API
// @version         1.0
// @description     HTTP API for llama.cpp contexts: creation, completion streaming, sessions and LoRA.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
