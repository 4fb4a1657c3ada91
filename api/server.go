// Package api is the HTTP surface of the pipeline: the public data item
// status endpoint, health and metrics, and token-guarded admin operations.
package api

import (
	"context"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	jwtverifier "github.com/okta/okta-jwt-verifier-golang"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/permadata/bundler"
)

// Redriver moves messages out of a queue's DLQ back to pending. The redis
// queue implements it.
type Redriver interface {
	RedriveDLQ(ctx context.Context, max int) (int, error)
}

// Server holds the HTTP dependencies.
type Server struct {
	Store bundler.StateStore
	// Queues maps queue name to its redrive handle for the admin endpoint.
	Queues map[string]Redriver
}

// Router builds the gin engine. The caller runs it.
func (s *Server) Router() *gin.Engine {
	router := gin.Default()

	router.GET("/health", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		v1.GET("/tx/:id/status", s.dataItemStatus)
		v1.POST("/admin/requeue/:queue", verifyHeaderToken(s.requeue))
	}
	return router
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// dataItemStatus reports where a data item currently is in its lifecycle.
func (s *Server) dataItemStatus(c *gin.Context) {
	id := bundler.ItemID(c.Param("id"))
	info, err := s.Store.GetDataItemInfo(c.Request.Context(), id)
	if bundler.IsNotFound(err) {
		c.JSON(http.StatusNotFound, gin.H{"error": "data item not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	body := gin.H{
		"status": info.Status,
		"winc":   info.AssessedWinstonPrice.String(),
	}
	if info.BundleID != "" {
		body["bundleId"] = string(info.BundleID)
	}
	c.JSON(http.StatusOK, body)
}

// requeue re-drives a queue's DLQ back to pending.
func (s *Server) requeue(c *gin.Context) {
	name := c.Param("queue")
	q, ok := s.Queues[name]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown queue"})
		return
	}
	moved, err := q.RedriveDLQ(c.Request.Context(), 1000)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": name, "redriven": moved})
}

// verifyHeaderToken guards admin handlers with a bearer token check.
func verifyHeaderToken(realHandler func(c *gin.Context)) func(c *gin.Context) {
	return func(c *gin.Context) {
		if verify(c) {
			realHandler(c)
		}
	}
}

var toValidate = map[string]string{
	"aud": "api://default",
	"cid": os.Getenv("OKTA_CLIENT_ID"),
}

// Verify the bearer token in header.
func verify(c *gin.Context) bool {
	// Allow easy debugging on dev.
	if os.Getenv("BUNDLER_ENV") == "DEV" {
		return true
	}

	token := c.Request.Header.Get("Authorization")
	if !strings.HasPrefix(token, "Bearer ") {
		c.String(http.StatusUnauthorized, "Unauthorized")
		return false
	}
	token = strings.TrimPrefix(token, "Bearer ")

	// Allow easy QA, bypass Okta based OAuth2 token verification w/ simple token equality check.
	if os.Getenv("BUNDLER_ENV") == "QA" {
		if token == os.Getenv("BUNDLER_QA_TOKEN") {
			return true
		}
	}

	verifierSetup := jwtverifier.JwtVerifier{
		Issuer:           "https://" + os.Getenv("OKTA_DOMAIN") + "/oauth2/default",
		ClaimsToValidate: toValidate,
	}
	verifier := verifierSetup.New()
	if _, err := verifier.VerifyAccessToken(token); err != nil {
		c.String(http.StatusForbidden, err.Error())
		return false
	}
	return true
}
