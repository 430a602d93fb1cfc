package echo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

type stubAccess struct {
	subs map[string]*billing.Subscription
	err  error
}

func (s *stubAccess) Access(_ context.Context, userID string) (*billing.Subscription, error) {
	if s.err != nil {
		return nil, s.err
	}
	if sub, ok := s.subs[userID]; ok {
		return sub, nil
	}
	return nil, billing.ErrSubscriptionNotFound
}

func newStub() *stubAccess {
	return &stubAccess{subs: map[string]*billing.Subscription{
		"user1": {ID: "sub_1", UserID: "user1", Plan: billing.PlanStarter, Status: billing.StatusActive},
	}}
}

func setupEcho(cfg Config) *echo.Echo {
	e := echo.New()
	e.Use(Middleware(cfg))
	e.GET("/reports", func(c echo.Context) error {
		sub, ok := SubscriptionFromContext(c)
		if !ok {
			return c.String(http.StatusInternalServerError, "missing subscription")
		}
		return c.String(http.StatusOK, sub.ID)
	})
	return e
}

func doRequest(e *echo.Echo, target, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_Success(t *testing.T) {
	e := setupEcho(Config{Access: newStub(), GetUserID: FromHeader("X-User-ID")})

	rec := doRequest(e, "/reports", "user1")
	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
	if rec.Body.String() != "sub_1" {
		t.Errorf("Expected body sub_1, got %q", rec.Body.String())
	}
}

func TestMiddleware_PaymentRequired(t *testing.T) {
	e := setupEcho(Config{Access: newStub(), GetUserID: FromHeader("X-User-ID")})

	rec := doRequest(e, "/reports", "user2")
	if rec.Code != http.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Subscription required") {
		t.Errorf("Unexpected body %q", rec.Body.String())
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	e := setupEcho(Config{Access: newStub(), GetUserID: FromHeader("X-User-ID")})

	rec := doRequest(e, "/reports", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rec.Code)
	}
}

func TestMiddleware_PlanNotAllowed(t *testing.T) {
	e := setupEcho(Config{
		Access:    newStub(),
		GetUserID: FromHeader("X-User-ID"),
		Plans:     []billing.Plan{billing.PlanEnterprise},
	})

	rec := doRequest(e, "/reports", "user1")
	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", rec.Code)
	}
}

func TestMiddleware_StorageError(t *testing.T) {
	e := setupEcho(Config{
		Access:    &stubAccess{err: errors.New("connection refused")},
		GetUserID: FromHeader("X-User-ID"),
	})

	rec := doRequest(e, "/reports", "user1")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", rec.Code)
	}
}

func TestMiddleware_CustomHandlers(t *testing.T) {
	e := setupEcho(Config{
		Access:    newStub(),
		GetUserID: FromQuery("user"),
		OnPaymentRequired: func(c echo.Context) error {
			return c.Redirect(http.StatusSeeOther, "/pricing")
		},
	})

	rec := doRequest(e, "/reports?user=user2", "")
	if rec.Code != http.StatusSeeOther {
		t.Errorf("Expected status 303, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/pricing" {
		t.Errorf("Expected redirect to /pricing, got %q", loc)
	}
}

func TestMiddleware_MissingConfig(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for missing Access")
		}
	}()
	Middleware(Config{GetUserID: FromHeader("X-User-ID")})
}
