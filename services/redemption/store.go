package redemption

import (
	"context"
	"time"

	"gorm.io/gorm"

	"getonblockchain/pkg/db/option"
	"getonblockchain/pkg/repository"
)

// store groups the repositories and the conditional updates that drive every
// state transition. Transitions never read-then-write: each is a single
// UPDATE guarded on the current status, checked through RowsAffected.
type store struct {
	db *gorm.DB

	requests     repository.Repository[RedemptionRequest]
	rewards      repository.Repository[Reward]
	members      repository.Repository[Member]
	memberships  repository.Repository[MerchantMember]
	transactions repository.Repository[RewardTransaction]
	events       repository.Repository[Event]
}

func newStore(db *gorm.DB) *store {
	return &store{
		db:           db,
		requests:     repository.ProvideStore[RedemptionRequest](db),
		rewards:      repository.ProvideStore[Reward](db),
		members:      repository.ProvideStore[Member](db),
		memberships:  repository.ProvideStore[MerchantMember](db),
		transactions: repository.ProvideStore[RewardTransaction](db),
		events:       repository.ProvideStore[Event](db),
	}
}

func (st *store) withTx(tx *gorm.DB) *store {
	return &store{
		db:           tx,
		requests:     st.requests.WithTrx(tx),
		rewards:      st.rewards.WithTrx(tx),
		members:      st.members.WithTrx(tx),
		memberships:  st.memberships.WithTrx(tx),
		transactions: st.transactions.WithTrx(tx),
		events:       st.events.WithTrx(tx),
	}
}

func (st *store) findRequest(ctx context.Context, id string) (*RedemptionRequest, error) {
	return st.requests.FindOne(ctx, &RedemptionRequest{ID: id})
}

func (st *store) findRequestByHash(ctx context.Context, hash string) (*RedemptionRequest, error) {
	return st.requests.FindOne(ctx, &RedemptionRequest{QRCodeHash: hash})
}

// findLivePending returns the PENDING, unexpired request for the tuple, if any.
func (st *store) findLivePending(ctx context.Context, memberID, merchantID, rewardID string, now time.Time) (*RedemptionRequest, error) {
	return st.requests.FindOne(ctx, &RedemptionRequest{
		MemberID:   memberID,
		MerchantID: merchantID,
		RewardID:   rewardID,
		Status:     StatusPending,
	}, option.ApplyOperator(option.Condition{
		Field:    "expires_at",
		Operator: option.GT,
		Value:    now,
	}))
}

func (st *store) findMembership(ctx context.Context, merchantID, memberID string) (*MerchantMember, error) {
	return st.memberships.FindOne(ctx, &MerchantMember{MerchantID: merchantID, MemberID: memberID})
}

// lockMembership re-reads the balance row inside a transaction, holding it
// until commit. sqlite has no row locks and skips the clause.
func (st *store) lockMembership(ctx context.Context, merchantID, memberID string) (*MerchantMember, error) {
	return st.memberships.FindOne(ctx, &MerchantMember{MerchantID: merchantID, MemberID: memberID}, option.WithLockingUpdate())
}

func (st *store) findReward(ctx context.Context, id string) (*Reward, error) {
	return st.rewards.FindOne(ctx, &Reward{ID: id})
}

func (st *store) findMember(ctx context.Context, id string) (*Member, error) {
	return st.members.FindOne(ctx, &Member{ID: id})
}

func (st *store) findEvent(ctx context.Context, id string) (*Event, error) {
	return st.events.FindOne(ctx, &Event{ID: id})
}

// transitionPending moves a PENDING, unexpired request to a terminal state.
// It reports false when the row was no longer PENDING or had expired.
func (st *store) transitionPending(ctx context.Context, id string, now time.Time, to Status, fields map[string]any) (bool, error) {
	updates := map[string]any{
		"status":     to,
		"updated_at": now,
	}
	for k, v := range fields {
		updates[k] = v
	}

	res := st.db.WithContext(ctx).
		Model(&RedemptionRequest{}).
		Where("id = ? AND status = ? AND expires_at > ?", id, StatusPending, now).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// expirePending marks one PENDING request EXPIRED.
func (st *store) expirePending(ctx context.Context, id string, now time.Time) (bool, error) {
	res := st.db.WithContext(ctx).
		Model(&RedemptionRequest{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]any{"status": StatusExpired, "updated_at": now})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// expireStaleForTuple clears lapsed PENDING rows so the partial unique index
// admits a fresh request for the tuple.
func (st *store) expireStaleForTuple(ctx context.Context, memberID, merchantID, rewardID string, now time.Time) (int64, error) {
	res := st.db.WithContext(ctx).
		Model(&RedemptionRequest{}).
		Where("member_id = ? AND merchant_id = ? AND reward_id = ? AND status = ? AND expires_at <= ?",
			memberID, merchantID, rewardID, StatusPending, now).
		Updates(map[string]any{"status": StatusExpired, "updated_at": now})
	return res.RowsAffected, res.Error
}

func (st *store) expireAllStale(ctx context.Context, now time.Time) (int64, error) {
	res := st.db.WithContext(ctx).
		Model(&RedemptionRequest{}).
		Where("status = ? AND expires_at <= ?", StatusPending, now).
		Updates(map[string]any{"status": StatusExpired, "updated_at": now})
	return res.RowsAffected, res.Error
}

// debitPoints decrements the balance only when it covers cost.
func (st *store) debitPoints(ctx context.Context, merchantID, memberID string, cost int64, now time.Time) (bool, error) {
	res := st.db.WithContext(ctx).
		Model(&MerchantMember{}).
		Where("merchant_id = ? AND member_id = ? AND points >= ?", merchantID, memberID, cost).
		Updates(map[string]any{
			"points":     gorm.Expr("points - ?", cost),
			"updated_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

type listQuery struct {
	MerchantID string
	Status     Status
	After      *time.Time
	AfterID    string
	Limit      int
}

// listRequests pages newest first, keyed on (created_at, id).
func (st *store) listRequests(ctx context.Context, q listQuery) ([]*RedemptionRequest, error) {
	opts := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "created_at",
			OrderBy: "desc",
			Allow:   map[string]bool{"created_at": true},
		}),
		func(db *gorm.DB) *gorm.DB { return db.Order("id DESC") },
		option.WithLimit(q.Limit),
	}
	if q.After != nil {
		opts = append(opts, func(db *gorm.DB) *gorm.DB {
			return db.Where("(created_at < ? OR (created_at = ? AND id < ?))", *q.After, *q.After, q.AfterID)
		})
	}

	return st.requests.Find(ctx, &RedemptionRequest{MerchantID: q.MerchantID, Status: q.Status}, opts...)
}
