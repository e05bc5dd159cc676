package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appctx "github.com/Ramsey-B/clover/pkg/context"
	clerrors "github.com/Ramsey-B/clover/pkg/errors"
)

func newEcho() *echo.Echo {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	e := echo.New()
	e.HTTPErrorHandler = Error(logger)
	e.Use(Context())
	e.Use(Logger(logger))
	return e
}

func TestContext(t *testing.T) {
	e := newEcho()
	var requestID, actor string
	e.GET("/probe", func(c echo.Context) error {
		requestID = appctx.GetRequestID(c.Request().Context())
		actor = appctx.GetActor(c.Request().Context())
		return c.NoContent(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set(echo.HeaderXRequestID, "req-1")
	req.Header.Set(HeaderActor, "user:42")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "req-1", requestID)
	assert.Equal(t, "user:42", actor)
	assert.Equal(t, "req-1", rec.Header().Get(echo.HeaderXRequestID))
}

func TestError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		code    int
		message string
		meta    map[string]any
	}{
		{
			name:    "conflict carries constraint",
			err:     clerrors.NewConflictError("uq_identity_per_platform", "identity claim already exists").WithField("canonical"),
			code:    http.StatusConflict,
			message: "identity claim already exists",
			meta:    map[string]any{"kind": "conflict", "field": "canonical", "constraint": "uq_identity_per_platform"},
		},
		{
			name:    "storage hides detail",
			err:     clerrors.NewStorageError(nil, "pq: connection refused"),
			code:    http.StatusInternalServerError,
			message: "internal storage failure",
		},
		{
			name:    "echo errors keep their code",
			err:     echo.NewHTTPError(http.StatusTeapot, "short and stout"),
			code:    http.StatusTeapot,
			message: "short and stout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEcho()
			e.GET("/boom", func(echo.Context) error { return tt.err })

			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

			assert.Equal(t, tt.code, rec.Code)
			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Contains(t, body.Message, tt.message)
			assert.NotEmpty(t, body.RequestID)
			for k, v := range tt.meta {
				assert.Equal(t, v, body.Meta[k])
			}
		})
	}
}
