package redemption

import (
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusDeclined  Status = "DECLINED"
	StatusExpired   Status = "EXPIRED"
	StatusCancelled Status = "CANCELLED"
)

func (s Status) String() string {
	return string(s)
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusDeclined, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s.Valid() && s != StatusPending
}

type RewardType string

const (
	RewardTypeStandard   RewardType = "STANDARD"
	RewardTypeUSDCPayout RewardType = "USDC_PAYOUT"
	RewardTypeToken      RewardType = "TOKEN"
)

const (
	TransactionTypeRedeem = "REDEEM"
	EventTypeConfirmed    = "REDEMPTION_CONFIRMED"
)

type Member struct {
	ID            string    `gorm:"column:id;primaryKey"`
	Name          string    `gorm:"column:name"`
	Email         string    `gorm:"column:email;index"`
	WalletAddress string    `gorm:"column:wallet_address"`
	CreatedAt     time.Time `gorm:"column:created_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

func (Member) TableName() string { return "members" }

// MerchantMember holds the only mutable balance in the redemption flow.
type MerchantMember struct {
	ID         string    `gorm:"column:id;primaryKey"`
	MerchantID string    `gorm:"column:merchant_id;not null;uniqueIndex:idx_merchant_member,priority:1"`
	MemberID   string    `gorm:"column:member_id;not null;uniqueIndex:idx_merchant_member,priority:2"`
	Points     int64     `gorm:"column:points;not null;default:0;check:chk_merchant_members_points,points >= 0"`
	Tier       string    `gorm:"column:tier;not null;default:BASE"`
	CreatedAt  time.Time `gorm:"column:created_at"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
}

func (MerchantMember) TableName() string { return "merchant_members" }

type Reward struct {
	ID              string     `gorm:"column:id;primaryKey"`
	MerchantID      string     `gorm:"column:merchant_id;not null;index"`
	Name            string     `gorm:"column:name;not null"`
	Description     string     `gorm:"column:description"`
	ImageURL        string     `gorm:"column:image_url"`
	RewardType      RewardType `gorm:"column:reward_type;not null;default:STANDARD"`
	PointsCost      int64      `gorm:"column:points_cost;not null"`
	USDCAmount      *float64   `gorm:"column:usdc_amount"`
	TokenCost       *int64     `gorm:"column:token_cost"`
	IsActive        bool       `gorm:"column:is_active;not null;default:true"`
	EligibilityRule string     `gorm:"column:eligibility_rule;type:text"`
	CreatedAt       time.Time  `gorm:"column:created_at"`
	UpdatedAt       time.Time  `gorm:"column:updated_at"`
}

func (Reward) TableName() string { return "rewards" }

// TokenDenominated reports whether confirming this reward burns tokens.
func (r *Reward) TokenDenominated() bool {
	return r.TokenCost != nil || r.RewardType == RewardTypeToken
}

// BurnAmount is the explicit token cost, falling back to pointsCost.
func (r *Reward) BurnAmount(pointsCost int64) int64 {
	if r.TokenCost != nil {
		return *r.TokenCost
	}
	return pointsCost
}

type RedemptionRequest struct {
	ID                 string     `gorm:"column:id;primaryKey"`
	MerchantID         string     `gorm:"column:merchant_id;not null;index:idx_redemption_pending_tuple,unique,priority:2,where:status = 'PENDING';index:idx_redemption_merchant_created,priority:1"`
	MemberID           string     `gorm:"column:member_id;not null;index:idx_redemption_pending_tuple,unique,priority:1"`
	RewardID           string     `gorm:"column:reward_id;not null;index:idx_redemption_pending_tuple,unique,priority:3"`
	BusinessID         *string    `gorm:"column:business_id"`
	PointsCost         int64      `gorm:"column:points_cost;not null"`
	USDCCost           *float64   `gorm:"column:usdc_cost"`
	QRCodeHash         string     `gorm:"column:qr_code_hash;not null;uniqueIndex"`
	Status             Status     `gorm:"column:status;not null;index:idx_redemption_status_expires,priority:1"`
	ExpiresAt          time.Time  `gorm:"column:expires_at;not null;index:idx_redemption_status_expires,priority:2"`
	CreatedAt          time.Time  `gorm:"column:created_at;index:idx_redemption_merchant_created,priority:2"`
	UpdatedAt          time.Time  `gorm:"column:updated_at"`
	ConfirmedAt        *time.Time `gorm:"column:confirmed_at"`
	ConfirmedByStaffID *string    `gorm:"column:confirmed_by_staff_id"`
	DeclinedAt         *time.Time `gorm:"column:declined_at"`
	DeclineReason      *string    `gorm:"column:decline_reason"`
	CancelledAt        *time.Time `gorm:"column:cancelled_at"`
}

func (RedemptionRequest) TableName() string { return "redemption_requests" }

// RewardTransaction is written once per confirmation and never updated.
type RewardTransaction struct {
	ID            string         `gorm:"column:id;primaryKey"`
	MerchantID    string         `gorm:"column:merchant_id;not null;index"`
	MemberID      string         `gorm:"column:member_id;not null;index"`
	RewardID      string         `gorm:"column:reward_id;not null"`
	RedemptionID  string         `gorm:"column:redemption_id;not null;uniqueIndex"`
	Reference     string         `gorm:"column:reference;not null"`
	Type          string         `gorm:"column:type;not null"`
	Amount        int64          `gorm:"column:amount;not null"`
	BalanceBefore int64          `gorm:"column:balance_before;not null"`
	BalanceAfter  int64          `gorm:"column:balance_after;not null"`
	Reason        string         `gorm:"column:reason"`
	Metadata      datatypes.JSON `gorm:"column:metadata"`
	CreatedAt     time.Time      `gorm:"column:created_at"`
}

func (RewardTransaction) TableName() string { return "reward_transactions" }

// Event is an append-only record consumed by notification and analytics fan-out.
type Event struct {
	ID         string         `gorm:"column:id;primaryKey"`
	Type       string         `gorm:"column:type;not null;index"`
	MerchantID string         `gorm:"column:merchant_id;not null;index"`
	MemberID   string         `gorm:"column:member_id;not null"`
	EntityID   string         `gorm:"column:entity_id;not null;index"`
	Payload    datatypes.JSON `gorm:"column:payload"`
	CreatedAt  time.Time      `gorm:"column:created_at"`
}

func (Event) TableName() string { return "events" }

// Models lists every table owned by the redemption service, in migration order.
func Models() []any {
	return []any{
		&Member{},
		&MerchantMember{},
		&Reward{},
		&RedemptionRequest{},
		&RewardTransaction{},
		&Event{},
	}
}
