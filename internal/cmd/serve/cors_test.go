package serve

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestParseOrigins(t *testing.T) {
	require.True(t, parseOrigins("")["*"])

	origins := parseOrigins("https://app.kelmah.com, https://staging.kelmah.com")
	require.True(t, origins["https://app.kelmah.com"])
	require.True(t, origins["https://staging.kelmah.com"])
	require.False(t, origins["*"])
}

func corsRouter(originsCSV string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(corsMiddleware(originsCSV))
	router.GET("/api/conversations", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func TestCorsAllowsConfiguredOrigin(t *testing.T) {
	router := corsRouter("https://app.kelmah.com")

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set("Origin", "https://app.kelmah.com")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "https://app.kelmah.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCorsIgnoresUnknownOrigin(t *testing.T) {
	router := corsRouter("https://app.kelmah.com")

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCorsPreflightAllowsPut(t *testing.T) {
	router := corsRouter("https://app.kelmah.com")

	req := httptest.NewRequest(http.MethodOptions, "/api/conversations", nil)
	req.Header.Set("Origin", "https://app.kelmah.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPut)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "PUT")
}
