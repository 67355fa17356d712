package redemption

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"getonblockchain/pkg/authz"
	"getonblockchain/pkg/middleware"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Code    string          `json:"code"`
	Error   string          `json:"error"`
}

type actorHeaders struct {
	role, merchant, member, staff string
}

var (
	asMember = actorHeaders{role: authz.RoleMember, merchant: testMerchant, member: testMember}
	asStaff  = actorHeaders{role: authz.RoleStaff, merchant: testMerchant, staff: "staff-1"}
	asOwner  = actorHeaders{role: authz.RoleOwner, merchant: testMerchant}
)

func newTestRouter(t *testing.T, f *fixture) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	enforcer, err := authz.NewDefault()
	require.NoError(t, err)

	r := gin.New()
	r.Use(middleware.ActorHeaders(), middleware.Error())
	NewHandler(f.svc, enforcer).Register(r)
	return r
}

func doJSON(t *testing.T, r http.Handler, method, path string, who actorHeaders, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderActorRole, who.role)
	req.Header.Set(middleware.HeaderMerchantID, who.merchant)
	req.Header.Set(middleware.HeaderMemberID, who.member)
	req.Header.Set(middleware.HeaderStaffID, who.staff)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w, env
}

func TestHandler_RedemptionLifecycle(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(t, f)

	w, env := doJSON(t, r, http.MethodPost, "/v1/redemptions", asMember, map[string]string{"rewardId": testReward})
	require.Equal(t, http.StatusCreated, w.Code)
	require.True(t, env.Success)

	var created CreateResult
	require.NoError(t, json.Unmarshal(env.Data, &created))
	require.NotEmpty(t, created.RedemptionID)

	w, _ = doJSON(t, r, http.MethodPost, "/v1/redemptions", asMember, map[string]string{"rewardId": testReward})
	require.Equal(t, http.StatusOK, w.Code)

	w, env = doJSON(t, r, http.MethodPost, "/v1/redemptions/verify", asStaff, map[string]string{"qr": created.QRCodeData})
	require.Equal(t, http.StatusOK, w.Code)
	var verified VerifyResult
	require.NoError(t, json.Unmarshal(env.Data, &verified))
	require.Equal(t, created.RedemptionID, verified.RedemptionID)
	require.Equal(t, int64(500), verified.CurrentBalance)

	w, env = doJSON(t, r, http.MethodPost, "/v1/redemptions/"+created.RedemptionID+"/confirm", asStaff, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var confirmed ConfirmResult
	require.NoError(t, json.Unmarshal(env.Data, &confirmed))
	require.Equal(t, int64(400), confirmed.NewBalance)
	require.Equal(t, "staff-1", *f.request(t, created.RedemptionID).ConfirmedByStaffID)

	w, env = doJSON(t, r, http.MethodPost, "/v1/redemptions/"+created.RedemptionID+"/confirm", asStaff, nil)
	require.Equal(t, http.StatusConflict, w.Code)
	require.False(t, env.Success)
	require.Equal(t, string(CodeInvalidState), env.Code)

	w, env = doJSON(t, r, http.MethodGet, "/v1/redemptions/"+created.RedemptionID, asMember, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status StatusResult
	require.NoError(t, json.Unmarshal(env.Data, &status))
	require.Equal(t, StatusConfirmed, status.Status)
	require.Empty(t, status.QRCodeData)

	w, env = doJSON(t, r, http.MethodGet, "/v1/merchant/redemptions?limit=10", asStaff, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list ListResult
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list.Items, 1)
}

func TestHandler_DeclineAndCancel(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(t, f)

	a := f.create(t, testReward)
	w, env := doJSON(t, r, http.MethodPost, "/v1/redemptions/"+a.RedemptionID+"/decline", asStaff, map[string]string{"reason": "wrong person"})
	require.Equal(t, http.StatusOK, w.Code)
	var declined DeclineResult
	require.NoError(t, json.Unmarshal(env.Data, &declined))
	require.Equal(t, "wrong person", declined.Reason)

	b := f.create(t, testReward)
	w, env = doJSON(t, r, http.MethodPost, "/v1/redemptions/"+b.RedemptionID+"/cancel", asMember, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cancelled CancelResult
	require.NoError(t, json.Unmarshal(env.Data, &cancelled))
	require.Equal(t, StatusCancelled, cancelled.Status)
}

func TestHandler_ErrorEnvelope(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(t, f)
	created := f.create(t, testReward)

	cases := []struct {
		name   string
		method string
		path   string
		who    actorHeaders
		body   any
		status int
		code   string
	}{
		{"missing role", http.MethodPost, "/v1/redemptions", actorHeaders{}, map[string]string{"rewardId": testReward}, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"member cannot confirm", http.MethodPost, "/v1/redemptions/" + created.RedemptionID + "/confirm", asMember, nil, http.StatusForbidden, "FORBIDDEN"},
		{"staff cannot cleanup", http.MethodPost, "/v1/admin/redemptions/cleanup", asStaff, nil, http.StatusForbidden, "FORBIDDEN"},
		{"missing reward id", http.MethodPost, "/v1/redemptions", asMember, map[string]string{}, http.StatusBadRequest, string(CodeInvalidArgument)},
		{"garbage qr", http.MethodPost, "/v1/redemptions/verify", asStaff, map[string]string{"qr": "nope"}, http.StatusNotFound, string(CodeInvalidQR)},
		{"wrong merchant", http.MethodPost, "/v1/redemptions/verify", actorHeaders{role: authz.RoleStaff, merchant: otherMerch}, map[string]string{"qr": created.QRCodeData}, http.StatusForbidden, string(CodeWrongMerchant)},
		{"unknown id", http.MethodGet, "/v1/redemptions/missing", asMember, nil, http.StatusNotFound, string(CodeNotFound)},
		{"bad status filter", http.MethodGet, "/v1/merchant/redemptions?status=LOST", asStaff, nil, http.StatusBadRequest, string(CodeInvalidArgument)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, env := doJSON(t, r, tc.method, tc.path, tc.who, tc.body)
			require.Equal(t, tc.status, w.Code, w.Body.String())
			require.False(t, env.Success)
			require.Equal(t, tc.code, env.Code)
			require.NotEmpty(t, env.Error)
		})
	}
}

func TestHandler_ExpiredIsGone(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(t, f)
	created := f.create(t, testReward)
	f.clock.Advance(10 * time.Minute)

	w, env := doJSON(t, r, http.MethodPost, "/v1/redemptions/verify", asStaff, map[string]string{"qr": created.QRCodeData})
	require.Equal(t, http.StatusGone, w.Code)
	require.Equal(t, string(CodeExpired), env.Code)
	require.Equal(t, ErrExpired.Message, env.Error)
}

func TestHandler_Cleanup(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(t, f)
	f.create(t, testReward)
	f.clock.Advance(time.Hour)

	w, env := doJSON(t, r, http.MethodPost, "/v1/admin/redemptions/cleanup", asOwner, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Expired int64 `json:"expired"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &body))
	require.Equal(t, int64(1), body.Expired)
}

func TestHandler_InternalErrorsAreRedacted(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(t, f)

	sqlDB, err := f.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	w, env := doJSON(t, r, http.MethodGet, "/v1/redemptions/any", asMember, nil)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Equal(t, "INTERNAL", env.Code)
	require.Equal(t, "An unexpected error occurred", env.Error)
	require.NotContains(t, env.Error, "sql")
}
