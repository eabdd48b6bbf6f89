package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
)

func TestSSEWriter_Framing(t *testing.T) {
	e := echo.New()
	e.GET("/stream", func(c *echo.Context) error {
		w := openSSE(c)
		if err := w.send("conversation.ready", []byte(`{"id":1}`)); err != nil {
			return err
		}
		// Upstreams may pretty-print documents; the newlines must not
		// terminate the frame early.
		return w.send("response.output_item.done", []byte("{\n  \"text\": \"hi\"\n}"))
	})

	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")
	assert.Equal(t,
		"event: conversation.ready\n"+
			"data: {\"id\":1}\n"+
			"\n"+
			"event: response.output_item.done\n"+
			"data: {\n"+
			"data:   \"text\": \"hi\"\n"+
			"data: }\n"+
			"\n",
		rec.Body.String())
}
