package collab

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"CollabProject/middleware"
	"CollabProject/service/room"
	"CollabProject/tools/errs"
	sec "CollabProject/tools/security"

	"github.com/gin-gonic/gin"
)

func newTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	middleware.Config([]byte("test-secret"))
	h := &Handler{
		Hub: room.NewHub(room.HubConf{NodeID: "test"}),
		JWT: sec.DefaultOptions([]byte("test-secret")),
	}
	r := gin.New()
	h.RegisterRoutes(r)
	return r
}

func TestHealthzReportsStoreUnavailable(t *testing.T) {
	r := newTestRouter()

	// the mongo manager was never started, so the store is not reachable
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	var body struct {
		Code int `json:"code"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Code != errs.ErrStoreUnavailable.Code {
		t.Fatalf("code = %d, want %d", body.Code, errs.ErrStoreUnavailable.Code)
	}
}

func TestAuthedRoutesRejectMissingToken(t *testing.T) {
	r := newTestRouter()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/collab/rooms/doc-1/presence", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestLoginIssuesVerifiableToken(t *testing.T) {
	r := newTestRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"user_id":"u1"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var body struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	userID, err := sec.Verify(sec.DefaultOptions([]byte("test-secret")), body.Data.Token)
	if err != nil {
		t.Fatal(err)
	}
	if userID != "u1" {
		t.Fatalf("subject = %q, want u1", userID)
	}
}
