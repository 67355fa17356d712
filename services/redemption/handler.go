package redemption

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"getonblockchain/pkg/authz"
	"getonblockchain/pkg/db/pagination"
	"getonblockchain/pkg/httpapi"
	"getonblockchain/pkg/middleware"
)

type Handler struct {
	svc      *Service
	enforcer authz.Enforcer
}

func NewHandler(svc *Service, enforcer authz.Enforcer) *Handler {
	return &Handler{svc: svc, enforcer: enforcer}
}

func (h *Handler) Register(r gin.IRouter) {
	can := func(act string) gin.HandlerFunc {
		return middleware.Authorize(h.enforcer, authz.ObjRedemption, act)
	}

	v1 := r.Group("/v1")

	redemptions := v1.Group("/redemptions")
	redemptions.POST("", can(authz.ActCreate), h.Create)
	redemptions.POST("/verify", can(authz.ActVerify), h.Verify)
	redemptions.GET("/:id", can(authz.ActRead), h.Status)
	redemptions.POST("/:id/cancel", can(authz.ActCancel), h.Cancel)
	redemptions.POST("/:id/confirm", can(authz.ActConfirm), h.Confirm)
	redemptions.POST("/:id/decline", can(authz.ActDecline), h.Decline)

	v1.GET("/merchant/redemptions", can(authz.ActList), h.List)
	v1.POST("/admin/redemptions/cleanup", can(authz.ActCleanup), h.Cleanup)
}

type createRequest struct {
	RewardID   string  `json:"rewardId" binding:"required"`
	MerchantID string  `json:"merchantId"`
	BusinessID *string `json:"businessId"`
}

type verifyRequest struct {
	QR string `json:"qr" binding:"required"`
}

type confirmRequest struct {
	BusinessID *string `json:"businessId"`
}

type declineRequest struct {
	Reason *string `json:"reason"`
}

type listRequest struct {
	pagination.Pagination
	Status string `form:"status"`
}

// bindOptionalJSON accepts an empty body as the zero value.
func bindOptionalJSON(c *gin.Context, v any) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func badRequest(c *gin.Context, err error) {
	_ = c.Error(&Error{Code: CodeInvalidArgument, Message: "Invalid request", Err: err})
}

func (h *Handler) Create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	actor, _ := middleware.ActorFrom(c.Request.Context())
	merchantID := req.MerchantID
	if merchantID == "" {
		merchantID = actor.MerchantID
	}

	res, err := h.svc.CreateRedemptionRequest(c.Request.Context(), CreateInput{
		MemberID:   actor.MemberID,
		MerchantID: merchantID,
		RewardID:   req.RewardID,
		BusinessID: req.BusinessID,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	status := http.StatusCreated
	if res.Existing {
		status = http.StatusOK
	}
	httpapi.OK(c, status, res)
}

func (h *Handler) Verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	actor, _ := middleware.ActorFrom(c.Request.Context())
	res, err := h.svc.VerifyRedemptionQR(c.Request.Context(), req.QR, actor.MerchantID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	httpapi.OK(c, http.StatusOK, res)
}

func (h *Handler) Confirm(c *gin.Context) {
	var req confirmRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		badRequest(c, err)
		return
	}

	actor, _ := middleware.ActorFrom(c.Request.Context())
	res, err := h.svc.ConfirmRedemption(c.Request.Context(), ConfirmInput{
		RedemptionID: c.Param("id"),
		MerchantID:   actor.MerchantID,
		StaffID:      optional(actor.StaffID),
		BusinessID:   req.BusinessID,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	httpapi.OK(c, http.StatusOK, res)
}

func (h *Handler) Decline(c *gin.Context) {
	var req declineRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		badRequest(c, err)
		return
	}

	actor, _ := middleware.ActorFrom(c.Request.Context())
	res, err := h.svc.DeclineRedemption(c.Request.Context(), c.Param("id"), actor.MerchantID, req.Reason)
	if err != nil {
		_ = c.Error(err)
		return
	}
	httpapi.OK(c, http.StatusOK, res)
}

func (h *Handler) Cancel(c *gin.Context) {
	actor, _ := middleware.ActorFrom(c.Request.Context())
	res, err := h.svc.CancelRedemption(c.Request.Context(), c.Param("id"), actor.MemberID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	httpapi.OK(c, http.StatusOK, res)
}

func (h *Handler) Status(c *gin.Context) {
	actor, _ := middleware.ActorFrom(c.Request.Context())
	res, err := h.svc.GetRedemptionStatus(c.Request.Context(), c.Param("id"), actor.MemberID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	httpapi.OK(c, http.StatusOK, res)
}

func (h *Handler) List(c *gin.Context) {
	var req listRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, err)
		return
	}

	actor, _ := middleware.ActorFrom(c.Request.Context())
	res, err := h.svc.ListRedemptions(c.Request.Context(), ListInput{
		MerchantID: actor.MerchantID,
		Status:     Status(req.Status),
		Cursor:     req.Cursor,
		Limit:      req.Limit,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	httpapi.OK(c, http.StatusOK, res)
}

func (h *Handler) Cleanup(c *gin.Context) {
	n, err := h.svc.CleanupExpiredRedemptions(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	httpapi.OK(c, http.StatusOK, gin.H{"expired": n})
}
