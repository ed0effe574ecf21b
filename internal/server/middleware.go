package server

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// NoStore keeps proxies and browsers from caching responses that carry a
// live countdown or payment instructions.
func NoStore() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Header("Pragma", "no-cache")
		c.Next()
	}
}

// ResourceContext tags the request context and the active span with the
// route's :id so downstream logs carry it.
func ResourceContext(tag func(context.Context, string) context.Context, attr string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.Param("id"))
		if id == "" {
			c.Next()
			return
		}

		ctx := tag(c.Request.Context(), id)
		trace.SpanFromContext(ctx).SetAttributes(attribute.String(attr, id))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
