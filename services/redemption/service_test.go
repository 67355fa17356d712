package redemption

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"getonblockchain/pkg/clock"
	"getonblockchain/pkg/config"
	"getonblockchain/pkg/featureflags"
	"getonblockchain/pkg/qrcode"
	"getonblockchain/pkg/taskname"
	"getonblockchain/pkg/tokenburn"
	"getonblockchain/pkg/tokenburn/mock"
	"getonblockchain/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const (
	testMerchant = "merchant-1"
	otherMerch   = "merchant-2"
	testMember   = "member-1"
	otherMember  = "member-2"
	testReward   = "reward-1"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, t *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, t)
	return &asynq.TaskInfo{Type: t.Type()}, nil
}

func (f *fakeEnqueuer) Tasks() []*asynq.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*asynq.Task(nil), f.tasks...)
}

type fixture struct {
	svc     *Service
	db      *gorm.DB
	clock   *clock.Manual
	enq     *fakeEnqueuer
	metrics *Metrics
}

func newFixture(t *testing.T, mutate ...func(*ServiceParams)) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t, Models()...)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	f := &fixture{
		db:      db,
		clock:   clock.NewManual(epoch),
		enq:     &fakeEnqueuer{},
		metrics: NewMetrics(prometheus.NewRegistry()),
	}

	p := ServiceParams{
		DB:       db,
		Node:     node,
		Config:   &config.Config{},
		Clock:    f.clock,
		Enqueuer: f.enq,
		Metrics:  f.metrics,
	}
	for _, m := range mutate {
		m(&p)
	}
	f.svc = NewService(p)

	f.seedMember(t, testMember, "Ada", testMerchant, 500, "GOLD")
	f.seedReward(t, &Reward{ID: testReward, MerchantID: testMerchant, Name: "Free Coffee", PointsCost: 100, IsActive: true})
	return f
}

func (f *fixture) seedMember(t *testing.T, memberID, name, merchantID string, points int64, tier string) {
	t.Helper()
	require.NoError(t, f.db.Create(&Member{ID: memberID, Name: name, Email: strings.ToLower(name) + "@example.com"}).Error)
	require.NoError(t, f.db.Create(&MerchantMember{
		ID:         merchantID + ":" + memberID,
		MerchantID: merchantID,
		MemberID:   memberID,
		Points:     points,
		Tier:       tier,
	}).Error)
}

func (f *fixture) seedReward(t *testing.T, r *Reward) {
	t.Helper()
	active := r.IsActive
	require.NoError(t, f.db.Create(r).Error)
	if !active {
		// gorm skips zero values that have a column default
		require.NoError(t, f.db.Model(&Reward{}).Where("id = ?", r.ID).Update("is_active", false).Error)
	}
}

func (f *fixture) points(t *testing.T, merchantID, memberID string) int64 {
	t.Helper()
	var mm MerchantMember
	require.NoError(t, f.db.Where("merchant_id = ? AND member_id = ?", merchantID, memberID).Take(&mm).Error)
	return mm.Points
}

func (f *fixture) request(t *testing.T, id string) *RedemptionRequest {
	t.Helper()
	var r RedemptionRequest
	require.NoError(t, f.db.Where("id = ?", id).Take(&r).Error)
	return &r
}

func (f *fixture) count(t *testing.T, model any, query string, args ...any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(model).Where(query, args...).Count(&n).Error)
	return n
}

func (f *fixture) create(t *testing.T, rewardID string) *CreateResult {
	t.Helper()
	res, err := f.svc.CreateRedemptionRequest(context.Background(), CreateInput{
		MemberID:   testMember,
		MerchantID: testMerchant,
		RewardID:   rewardID,
	})
	require.NoError(t, err)
	return res
}

func requireCode(t *testing.T, err error, code Code) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, CodeOf(err), err.Error())
}

func TestRedemption_HappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created := f.create(t, testReward)
	require.False(t, created.Existing)
	require.Len(t, created.QRCodeHash, qrcode.HashLength)
	require.Equal(t, "gob:redeem:"+created.QRCodeHash, created.QRCodeData)
	require.True(t, created.ExpiresAt.Equal(epoch.Add(10*time.Minute)))
	require.Equal(t, StatusPending, f.request(t, created.RedemptionID).Status)

	verified, err := f.svc.VerifyRedemptionQR(ctx, created.QRCodeData, testMerchant)
	require.NoError(t, err)
	require.Equal(t, created.RedemptionID, verified.RedemptionID)
	require.Equal(t, int64(500), verified.CurrentBalance)
	require.Equal(t, int64(100), verified.Reward.PointsCost)
	require.Equal(t, "Free Coffee", verified.Reward.Name)
	require.Equal(t, "Ada", verified.Member.Name)
	require.Equal(t, "GOLD", verified.Tier)
	require.Equal(t, int64(600), verified.ExpiresInSeconds)

	f.clock.Advance(time.Minute)
	staff := "staff-9"
	confirmed, err := f.svc.ConfirmRedemption(ctx, ConfirmInput{
		RedemptionID: created.RedemptionID,
		MerchantID:   testMerchant,
		StaffID:      &staff,
	})
	require.NoError(t, err)
	require.Equal(t, int64(100), confirmed.PointsDeducted)
	require.Equal(t, int64(400), confirmed.NewBalance)
	require.Equal(t, "Free Coffee", confirmed.RewardName)
	require.Zero(t, confirmed.TokensBurned)
	require.Nil(t, confirmed.BurnTxHash)
	require.True(t, strings.HasPrefix(confirmed.Reference, "RDM-"))

	require.Equal(t, int64(400), f.points(t, testMerchant, testMember))

	stored := f.request(t, created.RedemptionID)
	require.Equal(t, StatusConfirmed, stored.Status)
	require.NotNil(t, stored.ConfirmedAt)
	require.True(t, stored.ConfirmedAt.Equal(epoch.Add(time.Minute)))
	require.Equal(t, staff, *stored.ConfirmedByStaffID)

	var txns []RewardTransaction
	require.NoError(t, f.db.Where("redemption_id = ?", created.RedemptionID).Find(&txns).Error)
	require.Len(t, txns, 1)
	require.Equal(t, TransactionTypeRedeem, txns[0].Type)
	require.Equal(t, int64(100), txns[0].Amount)
	require.Equal(t, int64(500), txns[0].BalanceBefore)
	require.Equal(t, int64(400), txns[0].BalanceAfter)
	require.Equal(t, "Redeemed: Free Coffee", txns[0].Reason)
	require.Equal(t, confirmed.TransactionID, txns[0].ID)

	require.Equal(t, int64(1), f.count(t, &Event{}, "entity_id = ? AND type = ?", created.RedemptionID, EventTypeConfirmed))
}

func TestVerify_AcceptsBareHash(t *testing.T) {
	f := newFixture(t)
	created := f.create(t, testReward)

	res, err := f.svc.VerifyRedemptionQR(context.Background(), strings.ToUpper(created.QRCodeHash), testMerchant)
	require.NoError(t, err)
	require.Equal(t, created.RedemptionID, res.RedemptionID)
}

func TestVerify_CancelledCallerDoesNotFailOthers(t *testing.T) {
	f := newFixture(t)
	created := f.create(t, testReward)

	sqlDB, err := f.db.DB()
	require.NoError(t, err)

	// hold the only connection so the shared lookup blocks
	conn, err := sqlDB.Conn(context.Background())
	require.NoError(t, err)
	waits := sqlDB.Stats().WaitCount

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	errA := make(chan error, 1)
	go func() {
		_, err := f.svc.VerifyRedemptionQR(ctxA, created.QRCodeData, testMerchant)
		errA <- err
	}()
	require.Eventually(t, func() bool {
		return sqlDB.Stats().WaitCount > waits
	}, time.Second, 5*time.Millisecond)

	type verified struct {
		res *VerifyResult
		err error
	}
	resB := make(chan verified, 1)
	go func() {
		res, err := f.svc.VerifyRedemptionQR(context.Background(), created.QRCodeData, testMerchant)
		resB <- verified{res, err}
	}()

	cancelA()
	select {
	case err := <-errA:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled verify did not return")
	}

	require.NoError(t, conn.Close())
	select {
	case got := <-resB:
		require.NoError(t, got.err)
		require.Equal(t, created.RedemptionID, got.res.RedemptionID)
	case <-time.After(2 * time.Second):
		t.Fatal("verify did not return after the connection was released")
	}
}

func TestVerify_InvalidQR(t *testing.T) {
	f := newFixture(t)
	created := f.create(t, testReward)
	ctx := context.Background()

	_, err := f.svc.VerifyRedemptionQR(ctx, "other:redeem:"+created.QRCodeHash, testMerchant)
	requireCode(t, err, CodeInvalidQR)

	_, err = f.svc.VerifyRedemptionQR(ctx, "gob:redeem:"+strings.Repeat("0", qrcode.HashLength), testMerchant)
	requireCode(t, err, CodeInvalidQR)

	_, err = f.svc.VerifyRedemptionQR(ctx, "not a qr", testMerchant)
	requireCode(t, err, CodeInvalidQR)
}

func TestCreate_Idempotent(t *testing.T) {
	f := newFixture(t)

	first := f.create(t, testReward)
	f.clock.Advance(30 * time.Second)
	second := f.create(t, testReward)

	require.True(t, second.Existing)
	require.Equal(t, first.RedemptionID, second.RedemptionID)
	require.Equal(t, first.QRCodeHash, second.QRCodeHash)
	require.True(t, first.ExpiresAt.Equal(second.ExpiresAt))

	require.Equal(t, int64(1), f.count(t, &RedemptionRequest{}, "member_id = ? AND reward_id = ? AND status = ?", testMember, testReward, StatusPending))
	require.Equal(t, float64(1), promtestutil.ToFloat64(f.metrics.created.WithLabelValues("true")))
}

func TestCreate_ConcurrentCallsShareOnePendingRow(t *testing.T) {
	f := newFixture(t)

	results := make([]*CreateResult, 6)
	g, ctx := errgroup.WithContext(context.Background())
	for i := range results {
		g.Go(func() error {
			res, err := f.svc.CreateRedemptionRequest(ctx, CreateInput{MemberID: testMember, MerchantID: testMerchant, RewardID: testReward})
			results[i] = res
			return err
		})
	}
	require.NoError(t, g.Wait())

	for _, r := range results {
		require.Equal(t, results[0].QRCodeHash, r.QRCodeHash)
	}
	require.Equal(t, int64(1), f.count(t, &RedemptionRequest{}, "status = ?", StatusPending))
}

func TestCreate_AfterExpiryMintsNewQR(t *testing.T) {
	f := newFixture(t)

	first := f.create(t, testReward)
	f.clock.Advance(11 * time.Minute)
	second := f.create(t, testReward)

	require.False(t, second.Existing)
	require.NotEqual(t, first.QRCodeHash, second.QRCodeHash)
	require.Equal(t, StatusExpired, f.request(t, first.RedemptionID).Status)
	require.Equal(t, StatusPending, f.request(t, second.RedemptionID).Status)
}

func TestCreate_Preconditions(t *testing.T) {
	f := newFixture(t)
	f.seedReward(t, &Reward{ID: "inactive", MerchantID: testMerchant, Name: "Old", PointsCost: 10, IsActive: false})
	f.seedReward(t, &Reward{ID: "foreign", MerchantID: otherMerch, Name: "Theirs", PointsCost: 10, IsActive: true})
	f.seedReward(t, &Reward{ID: "pricey", MerchantID: testMerchant, Name: "TV", PointsCost: 900, IsActive: true})
	f.seedReward(t, &Reward{ID: "vip", MerchantID: testMerchant, Name: "Lounge", PointsCost: 10, IsActive: true, EligibilityRule: `tier == "PLATINUM"`})
	f.seedReward(t, &Reward{ID: "gold", MerchantID: testMerchant, Name: "Gold perk", PointsCost: 10, IsActive: true, EligibilityRule: `tier == "GOLD" && points >= 100`})
	f.seedReward(t, &Reward{ID: "broken", MerchantID: testMerchant, Name: "Broken", PointsCost: 10, IsActive: true, EligibilityRule: `tier +`})

	ctx := context.Background()
	cases := []struct {
		name string
		in   CreateInput
		code Code
	}{
		{"missing ids", CreateInput{MemberID: testMember}, CodeInvalidArgument},
		{"not a member", CreateInput{MemberID: "ghost", MerchantID: testMerchant, RewardID: testReward}, CodeNotAMember},
		{"reward not found", CreateInput{MemberID: testMember, MerchantID: testMerchant, RewardID: "nope"}, CodeRewardNotFound},
		{"reward inactive", CreateInput{MemberID: testMember, MerchantID: testMerchant, RewardID: "inactive"}, CodeRewardInactive},
		{"reward of another merchant", CreateInput{MemberID: testMember, MerchantID: testMerchant, RewardID: "foreign"}, CodeRewardMerchantMismatch},
		{"insufficient points", CreateInput{MemberID: testMember, MerchantID: testMerchant, RewardID: "pricey"}, CodeInsufficientPoints},
		{"rule not met", CreateInput{MemberID: testMember, MerchantID: testMerchant, RewardID: "vip"}, CodeRewardNotEligible},
		{"rule does not compile", CreateInput{MemberID: testMember, MerchantID: testMerchant, RewardID: "broken"}, CodeRewardNotEligible},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := f.svc.CreateRedemptionRequest(ctx, tc.in)
			requireCode(t, err, tc.code)
			require.Nil(t, res)
		})
	}

	_, err := f.svc.CreateRedemptionRequest(ctx, CreateInput{MemberID: testMember, MerchantID: testMerchant, RewardID: "pricey"})
	require.EqualError(t, err, "[INSUFFICIENT_POINTS] Insufficient points: has 500, needs 900")

	res, err := f.svc.CreateRedemptionRequest(ctx, CreateInput{MemberID: testMember, MerchantID: testMerchant, RewardID: "gold"})
	require.NoError(t, err)
	require.NotEmpty(t, res.QRCodeHash)
}

func TestCreate_SnapshotsCost(t *testing.T) {
	f := newFixture(t)
	usdc := 5.0
	f.seedReward(t, &Reward{ID: "cash", MerchantID: testMerchant, Name: "Cashback", PointsCost: 200, USDCAmount: &usdc, RewardType: RewardTypeUSDCPayout, IsActive: true})

	created := f.create(t, "cash")
	require.NotNil(t, created.USDCCost)
	require.Equal(t, 5.0, *created.USDCCost)

	require.NoError(t, f.db.Model(&Reward{}).Where("id = ?", "cash").Updates(map[string]any{"points_cost": 450, "usdc_amount": 9.0}).Error)

	verified, err := f.svc.VerifyRedemptionQR(context.Background(), created.QRCodeData, testMerchant)
	require.NoError(t, err)
	require.Equal(t, int64(200), verified.Reward.PointsCost)
	require.Equal(t, 5.0, *verified.Reward.USDCCost)

	confirmed, err := f.svc.ConfirmRedemption(context.Background(), ConfirmInput{RedemptionID: created.RedemptionID, MerchantID: testMerchant})
	require.NoError(t, err)
	require.Equal(t, int64(200), confirmed.PointsDeducted)
	require.Equal(t, 5.0, *confirmed.USDCCost)
	require.Equal(t, int64(300), f.points(t, testMerchant, testMember))
}

func TestConfirm_ConcurrentCallsDeductOnce(t *testing.T) {
	f := newFixture(t)
	created := f.create(t, testReward)

	const callers = 8
	var (
		mu        sync.Mutex
		successes int
		codes     []Code
	)

	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			_, err := f.svc.ConfirmRedemption(context.Background(), ConfirmInput{RedemptionID: created.RedemptionID, MerchantID: testMerchant})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return nil
			}
			codes = append(codes, CodeOf(err))
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.Equal(t, 1, successes)
	require.Len(t, codes, callers-1)
	for _, c := range codes {
		require.Equal(t, CodeInvalidState, c)
	}

	require.Equal(t, int64(400), f.points(t, testMerchant, testMember))
	require.Equal(t, int64(1), f.count(t, &RewardTransaction{}, "redemption_id = ?", created.RedemptionID))
	require.Equal(t, int64(1), f.count(t, &Event{}, "entity_id = ?", created.RedemptionID))
}

func TestConfirm_SecondCallIsInvalidState(t *testing.T) {
	f := newFixture(t)
	created := f.create(t, testReward)
	ctx := context.Background()
	in := ConfirmInput{RedemptionID: created.RedemptionID, MerchantID: testMerchant}

	_, err := f.svc.ConfirmRedemption(ctx, in)
	require.NoError(t, err)

	_, err = f.svc.ConfirmRedemption(ctx, in)
	requireCode(t, err, CodeInvalidState)

	_, err = f.svc.VerifyRedemptionQR(ctx, created.QRCodeData, testMerchant)
	requireCode(t, err, CodeAlreadyRedeemed)

	_, err = f.svc.DeclineRedemption(ctx, created.RedemptionID, testMerchant, nil)
	requireCode(t, err, CodeInvalidState)
	require.Equal(t, StatusConfirmed, f.request(t, created.RedemptionID).Status)

	require.Equal(t, int64(400), f.points(t, testMerchant, testMember))
	require.Equal(t, int64(1), f.count(t, &RewardTransaction{}, "redemption_id = ? AND type = ?", created.RedemptionID, TransactionTypeRedeem))
}

func TestExpiryMonotonicity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.create(t, testReward)
	f.seedReward(t, &Reward{ID: "reward-2", MerchantID: testMerchant, Name: "Tea", PointsCost: 50, IsActive: true})
	b := f.create(t, "reward-2")

	// expiresAt itself already counts as expired
	f.clock.Advance(10 * time.Minute)

	_, err := f.svc.VerifyRedemptionQR(ctx, a.QRCodeData, testMerchant)
	requireCode(t, err, CodeExpired)
	require.Equal(t, StatusExpired, f.request(t, a.RedemptionID).Status)

	_, err = f.svc.ConfirmRedemption(ctx, ConfirmInput{RedemptionID: a.RedemptionID, MerchantID: testMerchant})
	requireCode(t, err, CodeExpired)
	_, err = f.svc.DeclineRedemption(ctx, a.RedemptionID, testMerchant, nil)
	requireCode(t, err, CodeExpired)
	_, err = f.svc.CancelRedemption(ctx, a.RedemptionID, testMember)
	requireCode(t, err, CodeExpired)

	// confirm is the first caller to notice b has lapsed
	_, err = f.svc.ConfirmRedemption(ctx, ConfirmInput{RedemptionID: b.RedemptionID, MerchantID: testMerchant})
	requireCode(t, err, CodeExpired)
	require.Equal(t, StatusExpired, f.request(t, b.RedemptionID).Status)

	require.Equal(t, int64(500), f.points(t, testMerchant, testMember))
	require.Zero(t, f.count(t, &RewardTransaction{}, "member_id = ?", testMember))
	require.Equal(t, float64(2), promtestutil.ToFloat64(f.metrics.expired.WithLabelValues("lazy")))
}

func TestLateInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.db.Model(&MerchantMember{}).Where("member_id = ?", testMember).Update("points", 150).Error)

	created := f.create(t, testReward)

	// another redemption drains the balance before staff scans
	require.NoError(t, f.db.Model(&MerchantMember{}).Where("member_id = ?", testMember).Update("points", 50).Error)

	_, err := f.svc.VerifyRedemptionQR(ctx, created.QRCodeData, testMerchant)
	requireCode(t, err, CodeInsufficientPoints)

	_, err = f.svc.ConfirmRedemption(ctx, ConfirmInput{RedemptionID: created.RedemptionID, MerchantID: testMerchant})
	requireCode(t, err, CodeInsufficientPoints)
	require.EqualError(t, err, "[INSUFFICIENT_POINTS] Insufficient points: has 50, needs 100")

	// the status CAS rolled back with the failed debit
	require.Equal(t, StatusPending, f.request(t, created.RedemptionID).Status)
	require.Equal(t, int64(50), f.points(t, testMerchant, testMember))
	require.Zero(t, f.count(t, &RewardTransaction{}, "redemption_id = ?", created.RedemptionID))
	require.Zero(t, f.count(t, &Event{}, "entity_id = ?", created.RedemptionID))
}

func TestCrossTenantIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.create(t, testReward)

	res, err := f.svc.VerifyRedemptionQR(ctx, created.QRCodeData, otherMerch)
	requireCode(t, err, CodeWrongMerchant)
	require.Nil(t, res)

	_, err = f.svc.ConfirmRedemption(ctx, ConfirmInput{RedemptionID: created.RedemptionID, MerchantID: otherMerch})
	requireCode(t, err, CodeUnauthorized)
	_, err = f.svc.DeclineRedemption(ctx, created.RedemptionID, otherMerch, nil)
	requireCode(t, err, CodeUnauthorized)

	require.Equal(t, StatusPending, f.request(t, created.RedemptionID).Status)
	require.Equal(t, int64(500), f.points(t, testMerchant, testMember))
}

func TestDecline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.create(t, testReward)

	res, err := f.svc.DeclineRedemption(ctx, created.RedemptionID, testMerchant, nil)
	require.NoError(t, err)
	require.Equal(t, StatusDeclined, res.Status)
	require.Equal(t, "Declined by staff", res.Reason)

	stored := f.request(t, created.RedemptionID)
	require.Equal(t, StatusDeclined, stored.Status)
	require.Equal(t, "Declined by staff", *stored.DeclineReason)
	require.NotNil(t, stored.DeclinedAt)

	_, err = f.svc.ConfirmRedemption(ctx, ConfirmInput{RedemptionID: created.RedemptionID, MerchantID: testMerchant})
	requireCode(t, err, CodeInvalidState)
	_, err = f.svc.VerifyRedemptionQR(ctx, created.QRCodeData, testMerchant)
	requireCode(t, err, CodeDeclinedPreviously)

	require.Equal(t, int64(500), f.points(t, testMerchant, testMember))
	require.Zero(t, f.count(t, &RewardTransaction{}, "redemption_id = ?", created.RedemptionID))
}

func TestDecline_CustomReasonAndUnknownID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.create(t, testReward)

	reason := "ID did not match"
	res, err := f.svc.DeclineRedemption(ctx, created.RedemptionID, testMerchant, &reason)
	require.NoError(t, err)
	require.Equal(t, reason, res.Reason)

	_, err = f.svc.DeclineRedemption(ctx, "missing", testMerchant, nil)
	requireCode(t, err, CodeNotFound)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.create(t, testReward)

	_, err := f.svc.CancelRedemption(ctx, created.RedemptionID, otherMember)
	requireCode(t, err, CodeUnauthorized)

	res, err := f.svc.CancelRedemption(ctx, created.RedemptionID, testMember)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, res.Status)
	require.NotNil(t, f.request(t, created.RedemptionID).CancelledAt)

	_, err = f.svc.VerifyRedemptionQR(ctx, created.QRCodeData, testMerchant)
	requireCode(t, err, CodeCancelledByMember)
	_, err = f.svc.CancelRedemption(ctx, created.RedemptionID, testMember)
	requireCode(t, err, CodeInvalidState)

	// a cancelled request frees the slot for a fresh QR
	again := f.create(t, testReward)
	require.False(t, again.Existing)
	require.NotEqual(t, created.QRCodeHash, again.QRCodeHash)
}

func TestCleanupExpiredRedemptions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedReward(t, &Reward{ID: "reward-2", MerchantID: testMerchant, Name: "Tea", PointsCost: 50, IsActive: true})

	stale1 := f.create(t, testReward)
	stale2 := f.create(t, "reward-2")
	again := f.create(t, testReward)
	require.Equal(t, stale1.RedemptionID, again.RedemptionID)

	f.clock.Advance(5 * time.Minute)
	f.seedReward(t, &Reward{ID: "reward-3", MerchantID: testMerchant, Name: "Cake", PointsCost: 10, IsActive: true})
	fresh := f.create(t, "reward-3")

	f.clock.Advance(6 * time.Minute)

	n, err := f.svc.CleanupExpiredRedemptions(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	require.Equal(t, StatusExpired, f.request(t, stale1.RedemptionID).Status)
	require.Equal(t, StatusExpired, f.request(t, stale2.RedemptionID).Status)
	require.Equal(t, StatusPending, f.request(t, fresh.RedemptionID).Status)
	require.Equal(t, float64(2), promtestutil.ToFloat64(f.metrics.expired.WithLabelValues("sweep")))

	n, err = f.svc.CleanupExpiredRedemptions(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func tokenReward(t *testing.T, f *fixture) *CreateResult {
	t.Helper()
	cost := int64(25)
	f.seedReward(t, &Reward{ID: "token", MerchantID: testMerchant, Name: "Token Mug", PointsCost: 100, TokenCost: &cost, RewardType: RewardTypeToken, IsActive: true})
	return f.create(t, "token")
}

func TestConfirm_BurnsTokensAfterCommit(t *testing.T) {
	ctrl := gomock.NewController(t)
	burner := mock.NewMockBurner(ctrl)
	f := newFixture(t, func(p *ServiceParams) { p.Burner = burner })
	created := tokenReward(t, f)

	burner.EXPECT().
		BurnTokens(gomock.Any(), tokenburn.BurnRequest{
			MemberID:        testMember,
			MerchantID:      testMerchant,
			Amount:          25,
			Reason:          "Redeemed: Token Mug",
			RelatedEntityID: created.RedemptionID,
		}).
		DoAndReturn(func(ctx context.Context, req tokenburn.BurnRequest) (*tokenburn.BurnResult, error) {
			// the confirmation is already durable when the burn runs
			var r RedemptionRequest
			require.NoError(t, f.db.Where("id = ?", req.RelatedEntityID).Take(&r).Error)
			require.Equal(t, StatusConfirmed, r.Status)
			return &tokenburn.BurnResult{Success: true, Amount: 25, TxHash: "0xabc"}, nil
		})

	res, err := f.svc.ConfirmRedemption(context.Background(), ConfirmInput{RedemptionID: created.RedemptionID, MerchantID: testMerchant})
	require.NoError(t, err)
	require.Equal(t, int64(25), res.TokensBurned)
	require.NotNil(t, res.BurnTxHash)
	require.Equal(t, "0xabc", *res.BurnTxHash)
}

func TestConfirm_BurnFailureDoesNotFailRedemption(t *testing.T) {
	ctrl := gomock.NewController(t)
	burner := mock.NewMockBurner(ctrl)
	f := newFixture(t, func(p *ServiceParams) { p.Burner = burner })
	created := tokenReward(t, f)

	burner.EXPECT().BurnTokens(gomock.Any(), gomock.Any()).Return(nil, errors.New("token service down"))

	res, err := f.svc.ConfirmRedemption(context.Background(), ConfirmInput{RedemptionID: created.RedemptionID, MerchantID: testMerchant})
	require.NoError(t, err)
	require.Zero(t, res.TokensBurned)
	require.Nil(t, res.BurnTxHash)
	require.Equal(t, int64(400), res.NewBalance)
	require.Equal(t, StatusConfirmed, f.request(t, created.RedemptionID).Status)
	require.Equal(t, float64(1), promtestutil.ToFloat64(f.metrics.burnFailures))
}

func TestConfirm_BurnDisabledByFlag(t *testing.T) {
	ctrl := gomock.NewController(t)
	burner := mock.NewMockBurner(ctrl)
	f := newFixture(t, func(p *ServiceParams) {
		p.Burner = burner
		p.Flags = featureflags.Static{featureflags.RedemptionTokenBurn: false}
	})
	created := tokenReward(t, f)

	res, err := f.svc.ConfirmRedemption(context.Background(), ConfirmInput{RedemptionID: created.RedemptionID, MerchantID: testMerchant})
	require.NoError(t, err)
	require.Zero(t, res.TokensBurned)
}

func TestConfirm_StandardRewardNeverBurns(t *testing.T) {
	ctrl := gomock.NewController(t)
	burner := mock.NewMockBurner(ctrl)
	f := newFixture(t, func(p *ServiceParams) { p.Burner = burner })
	created := f.create(t, testReward)

	_, err := f.svc.ConfirmRedemption(context.Background(), ConfirmInput{RedemptionID: created.RedemptionID, MerchantID: testMerchant})
	require.NoError(t, err)
}

func TestConfirm_PublishesEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.create(t, testReward)

	_, err := f.svc.ConfirmRedemption(ctx, ConfirmInput{RedemptionID: created.RedemptionID, MerchantID: testMerchant})
	require.NoError(t, err)

	tasks := f.enq.Tasks()
	require.Len(t, tasks, 1)
	require.Equal(t, taskname.RedemptionConfirmed, tasks[0].Type())

	var payload ConfirmedPayload
	require.NoError(t, json.Unmarshal(tasks[0].Payload(), &payload))
	require.Equal(t, created.RedemptionID, payload.RedemptionID)
	require.Equal(t, testMerchant, payload.MerchantID)

	var evt Event
	require.NoError(t, f.db.Where("id = ?", payload.EventID).Take(&evt).Error)
	require.Equal(t, EventTypeConfirmed, evt.Type)

	require.NoError(t, NewTask(f.svc).HandleConfirmed(ctx, tasks[0]))
	require.Equal(t, float64(1), promtestutil.ToFloat64(f.metrics.eventsDispatched))
}

func TestConfirm_EnqueueFailureIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.enq.err = errors.New("redis down")
	created := f.create(t, testReward)

	_, err := f.svc.ConfirmRedemption(context.Background(), ConfirmInput{RedemptionID: created.RedemptionID, MerchantID: testMerchant})
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, f.request(t, created.RedemptionID).Status)
}

type failingSequence struct{}

func (failingSequence) NextRedemptionCode(context.Context, string) (string, error) {
	return "", errors.New("redis down")
}

type fixedSequence string

func (s fixedSequence) NextRedemptionCode(context.Context, string) (string, error) {
	return string(s), nil
}

func TestConfirm_Reference(t *testing.T) {
	t.Run("from sequence", func(t *testing.T) {
		f := newFixture(t, func(p *ServiceParams) { p.Seq = fixedSequence("RDM-250601-00AB1") })
		created := f.create(t, testReward)

		res, err := f.svc.ConfirmRedemption(context.Background(), ConfirmInput{RedemptionID: created.RedemptionID, MerchantID: testMerchant})
		require.NoError(t, err)
		require.Equal(t, "RDM-250601-00AB1", res.Reference)
	})

	t.Run("falls back when sequence fails", func(t *testing.T) {
		f := newFixture(t, func(p *ServiceParams) { p.Seq = failingSequence{} })
		created := f.create(t, testReward)

		res, err := f.svc.ConfirmRedemption(context.Background(), ConfirmInput{RedemptionID: created.RedemptionID, MerchantID: testMerchant})
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(res.Reference, "RDM-"))
	})
}

func TestGetRedemptionStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.create(t, testReward)

	res, err := f.svc.GetRedemptionStatus(ctx, created.RedemptionID, testMember)
	require.NoError(t, err)
	require.Equal(t, StatusPending, res.Status)
	require.Equal(t, created.QRCodeData, res.QRCodeData)

	_, err = f.svc.GetRedemptionStatus(ctx, created.RedemptionID, otherMember)
	requireCode(t, err, CodeUnauthorized)
	_, err = f.svc.GetRedemptionStatus(ctx, "missing", testMember)
	requireCode(t, err, CodeNotFound)

	f.clock.Advance(10 * time.Minute)
	res, err = f.svc.GetRedemptionStatus(ctx, created.RedemptionID, testMember)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, res.Status)
	require.Empty(t, res.QRCodeData)
	require.Equal(t, StatusExpired, f.request(t, created.RedemptionID).Status)
}

func TestListRedemptions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("reward-l%d", i)
		f.seedReward(t, &Reward{ID: id, MerchantID: testMerchant, Name: id, PointsCost: 10, IsActive: true})
		ids = append(ids, f.create(t, id).RedemptionID)
		f.clock.Advance(time.Second)
	}

	page, err := f.svc.ListRedemptions(ctx, ListInput{MerchantID: testMerchant, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.True(t, page.HasMore)
	require.NotEmpty(t, page.NextCursor)
	require.Equal(t, ids[2], page.Items[0].ID)
	require.Equal(t, ids[1], page.Items[1].ID)

	next, err := f.svc.ListRedemptions(ctx, ListInput{MerchantID: testMerchant, Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, next.Items, 1)
	require.False(t, next.HasMore)
	require.Equal(t, ids[0], next.Items[0].ID)

	_, err = f.svc.CancelRedemption(ctx, ids[1], testMember)
	require.NoError(t, err)
	cancelled, err := f.svc.ListRedemptions(ctx, ListInput{MerchantID: testMerchant, Status: StatusCancelled})
	require.NoError(t, err)
	require.Len(t, cancelled.Items, 1)
	require.Equal(t, ids[1], cancelled.Items[0].ID)

	other, err := f.svc.ListRedemptions(ctx, ListInput{MerchantID: otherMerch})
	require.NoError(t, err)
	require.Empty(t, other.Items)

	_, err = f.svc.ListRedemptions(ctx, ListInput{MerchantID: testMerchant, Limit: 251})
	requireCode(t, err, CodeInvalidArgument)
	_, err = f.svc.ListRedemptions(ctx, ListInput{MerchantID: testMerchant, Status: "LOST"})
	requireCode(t, err, CodeInvalidArgument)
	_, err = f.svc.ListRedemptions(ctx, ListInput{MerchantID: testMerchant, Cursor: "%%%"})
	requireCode(t, err, CodeInvalidArgument)
}

func TestOperationBoundaryMapsInfrastructureErrors(t *testing.T) {
	f := newFixture(t)
	sqlDB, err := f.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = f.svc.ConfirmRedemption(context.Background(), ConfirmInput{RedemptionID: "r", MerchantID: testMerchant})
	requireCode(t, err, CodeInternal)

	var e *Error
	require.True(t, errors.As(err, &e))
	require.Equal(t, "An unexpected error occurred", e.PublicMessage())
	require.Equal(t, float64(1), promtestutil.ToFloat64(f.metrics.outcomes.WithLabelValues(opConfirm, string(CodeInternal))))
}
