package redemption

import "time"

type CreateInput struct {
	MemberID   string
	MerchantID string
	RewardID   string
	BusinessID *string
}

type CreateResult struct {
	RedemptionID string    `json:"redemptionId"`
	QRCodeHash   string    `json:"qrCodeHash"`
	QRCodeData   string    `json:"qrCodeData"`
	ExpiresAt    time.Time `json:"expiresAt"`
	PointsCost   int64     `json:"pointsCost"`
	USDCCost     *float64  `json:"usdcCost,omitempty"`
	// Existing is true when a live PENDING request was returned instead of a new one.
	Existing bool `json:"existing"`
}

type MemberView struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

type RewardView struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	ImageURL    string     `json:"imageUrl,omitempty"`
	RewardType  RewardType `json:"rewardType"`
	PointsCost  int64      `json:"pointsCost"`
	USDCCost    *float64   `json:"usdcCost,omitempty"`
}

type VerifyResult struct {
	RedemptionID     string     `json:"redemptionId"`
	Member           MemberView `json:"member"`
	Reward           RewardView `json:"reward"`
	CurrentBalance   int64      `json:"currentBalance"`
	Tier             string     `json:"tier"`
	ExpiresAt        time.Time  `json:"expiresAt"`
	ExpiresInSeconds int64      `json:"expiresInSeconds"`
}

type ConfirmInput struct {
	RedemptionID string
	MerchantID   string
	StaffID      *string
	BusinessID   *string
}

type ConfirmResult struct {
	RedemptionID   string    `json:"redemptionId"`
	TransactionID  string    `json:"transactionId"`
	Reference      string    `json:"reference"`
	PointsDeducted int64     `json:"pointsDeducted"`
	NewBalance     int64     `json:"newBalance"`
	RewardName     string    `json:"rewardName"`
	USDCCost       *float64  `json:"usdcCost,omitempty"`
	TokensBurned   int64     `json:"tokensBurned"`
	BurnTxHash     *string   `json:"burnTxHash"`
	ConfirmedAt    time.Time `json:"confirmedAt"`
}

type DeclineResult struct {
	RedemptionID string    `json:"redemptionId"`
	Status       Status    `json:"status"`
	Reason       string    `json:"reason"`
	DeclinedAt   time.Time `json:"declinedAt"`
}

type CancelResult struct {
	RedemptionID string    `json:"redemptionId"`
	Status       Status    `json:"status"`
	CancelledAt  time.Time `json:"cancelledAt"`
}

// RedemptionView is the read model of a request. It never carries the QR hash.
type RedemptionView struct {
	ID                 string     `json:"id"`
	MerchantID         string     `json:"merchantId"`
	MemberID           string     `json:"memberId"`
	RewardID           string     `json:"rewardId"`
	BusinessID         *string    `json:"businessId,omitempty"`
	PointsCost         int64      `json:"pointsCost"`
	USDCCost           *float64   `json:"usdcCost,omitempty"`
	Status             Status     `json:"status"`
	ExpiresAt          time.Time  `json:"expiresAt"`
	CreatedAt          time.Time  `json:"createdAt"`
	ConfirmedAt        *time.Time `json:"confirmedAt,omitempty"`
	ConfirmedByStaffID *string    `json:"confirmedByStaffId,omitempty"`
	DeclinedAt         *time.Time `json:"declinedAt,omitempty"`
	DeclineReason      *string    `json:"declineReason,omitempty"`
	CancelledAt        *time.Time `json:"cancelledAt,omitempty"`
}

func newRedemptionView(r *RedemptionRequest) RedemptionView {
	return RedemptionView{
		ID:                 r.ID,
		MerchantID:         r.MerchantID,
		MemberID:           r.MemberID,
		RewardID:           r.RewardID,
		BusinessID:         r.BusinessID,
		PointsCost:         r.PointsCost,
		USDCCost:           r.USDCCost,
		Status:             r.Status,
		ExpiresAt:          r.ExpiresAt,
		CreatedAt:          r.CreatedAt,
		ConfirmedAt:        r.ConfirmedAt,
		ConfirmedByStaffID: r.ConfirmedByStaffID,
		DeclinedAt:         r.DeclinedAt,
		DeclineReason:      r.DeclineReason,
		CancelledAt:        r.CancelledAt,
	}
}

// StatusResult is what a member polls. QRCodeData is only set while PENDING.
type StatusResult struct {
	RedemptionView
	QRCodeData string `json:"qrCodeData,omitempty"`
}

type ListInput struct {
	MerchantID string
	Status     Status
	Cursor     string
	Limit      int
}

type ListResult struct {
	Items      []RedemptionView `json:"items"`
	NextCursor string           `json:"nextCursor,omitempty"`
	HasMore    bool             `json:"hasMore"`
}

// ConfirmedPayload is the asynq payload fanned out after a confirmation.
type ConfirmedPayload struct {
	EventID      string `json:"event_id"`
	RedemptionID string `json:"redemption_id"`
	MerchantID   string `json:"merchant_id"`
}
