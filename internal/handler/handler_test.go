package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/referral-system/internal/middleware"
	"github.com/mmeshcher/referral-system/internal/model"
	"github.com/mmeshcher/referral-system/internal/repository"
	"github.com/mmeshcher/referral-system/internal/service"
)

type processedReferral struct {
	code       string
	referredID int64
}

type stubService struct {
	registeredUser *model.User
	registerErr    error

	authUser *model.User
	authErr  error

	processed []processedReferral

	resolvedUser *model.User
	resolveErr   error

	summary    *model.Summary
	summaryErr error

	history    []model.Referral
	historyErr error

	leaderboard    []model.LeaderboardEntry
	leaderboardErr error

	accounts []repository.UserAccount
	account  *repository.UserAccount

	updatedUser   *model.User
	updateUserErr error

	deleteErr error
}

func (s *stubService) RegisterUser(ctx context.Context, login, name, password string) (*model.User, error) {
	return s.registeredUser, s.registerErr
}

func (s *stubService) AuthenticateUser(ctx context.Context, login, password string) (*model.User, error) {
	return s.authUser, s.authErr
}

func (s *stubService) ProcessReferral(ctx context.Context, code string, referredID int64) {
	s.processed = append(s.processed, processedReferral{code: code, referredID: referredID})
}

func (s *stubService) ResolveCode(ctx context.Context, code string) (*model.User, error) {
	return s.resolvedUser, s.resolveErr
}

func (s *stubService) GetSummary(ctx context.Context, userID int64) (*model.Summary, error) {
	return s.summary, s.summaryErr
}

func (s *stubService) GetHistory(ctx context.Context, userID int64, limit int) ([]model.Referral, error) {
	return s.history, s.historyErr
}

func (s *stubService) GetLeaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	return s.leaderboard, s.leaderboardErr
}

func (s *stubService) ListUsers(ctx context.Context) ([]repository.UserAccount, error) {
	return s.accounts, nil
}

func (s *stubService) GetUserAccount(ctx context.Context, id int64) (*repository.UserAccount, error) {
	if s.account == nil {
		return nil, repository.ErrUserNotFound
	}
	return s.account, nil
}

func (s *stubService) UpdateUser(ctx context.Context, id int64, name, role string) (*model.User, error) {
	return s.updatedUser, s.updateUserErr
}

func (s *stubService) DeleteUser(ctx context.Context, id int64) error {
	return s.deleteErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, logger, auth)
}

func authCookie(t *testing.T, h *Handler, userID int64, role string) *http.Cookie {
	t.Helper()

	rec := httptest.NewRecorder()
	h.authMiddleware.SetAuthCookie(rec, userID, role)

	cookies := rec.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatalf("no auth cookie set")
	}
	return cookies[0]
}

func TestRegister_CreatedWithReferral(t *testing.T) {
	svc := &stubService{
		registeredUser: &model.User{
			ID:           42,
			Login:        "new@user.io",
			Name:         "New",
			Role:         model.RoleUser,
			ReferralCode: "ABQ234",
			CreatedAt:    time.Now(),
		},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(registerRequest{
		Login:    "new@user.io",
		Name:     "New",
		Password: "pass",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register?ref=ZXCV66", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	if len(svc.processed) != 1 {
		t.Fatalf("referral processed %d times, want 1", len(svc.processed))
	}
	if svc.processed[0].code != "ZXCV66" || svc.processed[0].referredID != 42 {
		t.Fatalf("unexpected referral processing: %+v", svc.processed[0])
	}

	if len(res.Cookies()) == 0 {
		t.Fatalf("auth cookie not set on registration")
	}
}

func TestRegister_WithoutReferralCode(t *testing.T) {
	svc := &stubService{
		registeredUser: &model.User{ID: 1, Login: "u", Role: model.RoleUser},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(registerRequest{Login: "u", Password: "p"})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	if rec.Result().StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusCreated)
	}
	// Пустой код всё равно передаётся в сервис, где и отбрасывается.
	if len(svc.processed) != 1 || svc.processed[0].code != "" {
		t.Fatalf("unexpected referral processing: %+v", svc.processed)
	}
}

func TestRegister_DuplicateLogin(t *testing.T) {
	svc := &stubService{
		registerErr: repository.ErrUserExists,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(registerRequest{Login: "u", Password: "p"})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	if rec.Result().StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusConflict)
	}
	if len(svc.processed) != 0 {
		t.Fatalf("referral must not be processed when registration fails")
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	svc := &stubService{
		authErr: service.ErrInvalidCredentials,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{Login: "user", Password: "pass"})

	req := httptest.NewRequest(http.MethodPost, "/api/user/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Login(rec, req)

	if rec.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestResolveCode(t *testing.T) {
	tests := []struct {
		name       string
		resolved   *model.User
		resolveErr error
		wantStatus int
	}{
		{
			name:       "ok",
			resolved:   &model.User{ID: 7, Name: "Referrer", ReferralCode: "ABQ234"},
			wantStatus: http.StatusOK,
		},
		{
			name:       "malformed",
			resolveErr: service.ErrInvalidCodeFormat,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown",
			resolveErr: repository.ErrCodeNotFound,
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{
				resolvedUser: tt.resolved,
				resolveErr:   tt.resolveErr,
			}
			h := newTestHandler(t, svc)
			router := h.SetupRouter()

			req := httptest.NewRequest(http.MethodGet, "/api/referral/code/ABQ234", nil)
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			if rec.Result().StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Result().StatusCode, tt.wantStatus)
			}

			if tt.wantStatus == http.StatusOK {
				var resp resolveCodeResponse
				if err := json.NewDecoder(rec.Result().Body).Decode(&resp); err != nil {
					t.Fatalf("decode response: %v", err)
				}
				if resp.ReferrerID != 7 || resp.ReferrerName != "Referrer" {
					t.Fatalf("unexpected response: %+v", resp)
				}
			}
		})
	}
}

func TestGetSummary_RequiresAuth(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/referral/me", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestGetSummary_OK(t *testing.T) {
	svc := &stubService{
		summary: &model.Summary{
			ReferralCode:   "ABQ234",
			ReferralLink:   "http://localhost:3090/register?ref=ABQ234",
			TotalReferrals: 2,
			CurrentBalance: 1000,
		},
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/referral/me", nil)
	req.AddCookie(authCookie(t, h, 1, model.RoleUser))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var got model.Summary
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.TotalReferrals != 2 || got.CurrentBalance != 1000 {
		t.Fatalf("unexpected summary: %+v", got)
	}
}

func TestGetHistory_JSONResponse(t *testing.T) {
	now := time.Now().UTC()
	svc := &stubService{
		history: []model.Referral{
			{
				ID:           3,
				ReferredName: "Newest",
				Status:       model.ReferralStatusCompleted,
				CreatedAt:    now,
				CompletedAt:  now,
			},
			{
				ID:           2,
				ReferredName: "Older",
				Status:       model.ReferralStatusCompleted,
				CreatedAt:    now.Add(-time.Hour),
				CompletedAt:  now.Add(-time.Hour),
			},
		},
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/referral/history?limit=10", nil)
	req.AddCookie(authCookie(t, h, 1, model.RoleUser))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}

	var got historyResponse
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Total != 2 || len(got.Referrals) != 2 {
		t.Fatalf("unexpected history: %+v", got)
	}
	if got.Referrals[0].ID != 3 {
		t.Fatalf("history must keep newest-first order, got %+v", got.Referrals)
	}
}

func TestGetLeaderboard_OK(t *testing.T) {
	svc := &stubService{
		leaderboard: []model.LeaderboardEntry{
			{ReferrerID: 1, Name: "Top", TotalReferrals: 5},
			{ReferrerID: 2, Name: "Second", TotalReferrals: 3},
		},
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/referral/leaderboard", nil)
	req.AddCookie(authCookie(t, h, 1, model.RoleUser))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var got leaderboardResponse
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got.Leaderboard) != 2 || got.Leaderboard[0].TotalReferrals != 5 {
		t.Fatalf("unexpected leaderboard: %+v", got)
	}
}

func TestAdminRoutes_ForbiddenForRegularUser(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/admin/users", nil)
	req.AddCookie(authCookie(t, h, 1, model.RoleUser))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusForbidden)
	}
}

func TestAdminListUsers_OK(t *testing.T) {
	svc := &stubService{
		accounts: []repository.UserAccount{
			{
				User:           model.User{ID: 1, Login: "admin", Role: model.RoleAdmin},
				Balance:        0,
				TotalReferrals: 0,
			},
			{
				User:           model.User{ID: 2, Login: "user", Role: model.RoleUser},
				Balance:        500,
				TotalReferrals: 1,
			},
		},
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/admin/users", nil)
	req.AddCookie(authCookie(t, h, 1, model.RoleAdmin))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var got []adminUserResponse
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 2 || got[1].Balance != 500 {
		t.Fatalf("unexpected users: %+v", got)
	}
}

func TestAdminDeleteUser(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodDelete, "/api/admin/users/5", nil)
	req.AddCookie(authCookie(t, h, 1, model.RoleAdmin))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusNoContent)
	}
}

func TestAdminUpdateUser_InvalidRole(t *testing.T) {
	svc := &stubService{
		updateUserErr: service.ErrInvalidRole,
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	body, _ := json.Marshal(updateUserRequest{Role: "ROOT"})

	req := httptest.NewRequest(http.MethodPatch, "/api/admin/users/5", bytes.NewReader(body))
	req.AddCookie(authCookie(t, h, 1, model.RoleAdmin))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusBadRequest)
	}
}
