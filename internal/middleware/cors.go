package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORS allows browser clients from any origin to use the chat API.
var CORS = cors.Handler(cors.Options{
	AllowedOrigins:   []string{"https://*", "http://*"},
	AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
	AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
	ExposedHeaders:   []string{"X-Request-Id"},
	AllowCredentials: false,
	MaxAge:           300,
})
