package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "middleware-test-secret"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func internalRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/internal/run", InternalAuth(testSecret), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func postInternal(router *gin.Engine, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/internal/run", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestInternalAuthAcceptsReconcilePermission(t *testing.T) {
	router := internalRouter()

	token := signToken(t, jwt.MapClaims{
		"client_id":   "client-1",
		"permissions": []string{"reconcile"},
		"exp":         time.Now().Add(time.Hour).Unix(),
	})

	w := postInternal(router, token)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestInternalAuthRejectsMissingReconcilePermission(t *testing.T) {
	router := internalRouter()

	token := signToken(t, jwt.MapClaims{
		"client_id":   "client-1",
		"permissions": []string{"read"},
		"exp":         time.Now().Add(time.Hour).Unix(),
	})

	w := postInternal(router, token)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestInternalAuthRejectsAbsentPermissionsClaim(t *testing.T) {
	router := internalRouter()

	token := signToken(t, jwt.MapClaims{
		"client_id": "client-1",
		"exp":       time.Now().Add(time.Hour).Unix(),
	})

	w := postInternal(router, token)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestInternalAuthRejectsMissingToken(t *testing.T) {
	router := internalRouter()

	w := postInternal(router, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
