package redemption

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	health "google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"getonblockchain/pkg/celengine"
	"getonblockchain/pkg/clock"
	"getonblockchain/pkg/config"
	"getonblockchain/pkg/db/pagination"
	"getonblockchain/pkg/featureflags"
	"getonblockchain/pkg/qrcode"
	"getonblockchain/pkg/sequence"
	"getonblockchain/pkg/task"
	"getonblockchain/pkg/tokenburn"
)

var tracer = otel.Tracer("getonblockchain/services/redemption")

const codeOK Code = "OK"

const (
	opCreate  = "create"
	opVerify  = "verify"
	opConfirm = "confirm"
	opDecline = "decline"
	opCancel  = "cancel"
	opCleanup = "cleanup"
	opList    = "list"
	opStatus  = "status"
)

type Options struct {
	QRNamespace          string
	TTL                  time.Duration
	DefaultDeclineReason string
	BurnTimeout          time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		QRNamespace:          "gob",
		TTL:                  10 * time.Minute,
		DefaultDeclineReason: "Declined by staff",
		BurnTimeout:          5 * time.Second,
	}
	if cfg == nil {
		return opts
	}
	if cfg.Redemption.QRNamespace != "" {
		opts.QRNamespace = cfg.Redemption.QRNamespace
	}
	if cfg.Redemption.TTL > 0 {
		opts.TTL = cfg.Redemption.TTL
	}
	if cfg.Redemption.DefaultDeclineReason != "" {
		opts.DefaultDeclineReason = cfg.Redemption.DefaultDeclineReason
	}
	if cfg.TokenService.Timeout > 0 {
		opts.BurnTimeout = cfg.TokenService.Timeout
	}
	return opts
}

type Service struct {
	health.UnimplementedHealthServer

	db       *gorm.DB
	node     *snowflake.Node
	clock    clock.Clock
	seq      sequence.Generator
	burner   tokenburn.Burner
	flags    featureflags.FeatureFlag
	enqueuer task.Enqueuer
	metrics  *Metrics
	opts     Options

	store       *store
	verifyGroup singleflight.Group
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Config   *config.Config
	Clock    clock.Clock              `optional:"true"`
	Seq      sequence.Generator       `optional:"true"`
	Burner   tokenburn.Burner         `optional:"true"`
	Flags    featureflags.FeatureFlag `optional:"true"`
	Enqueuer task.Enqueuer            `optional:"true"`
	Metrics  *Metrics                 `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	c := p.Clock
	if c == nil {
		c = clock.NewSystem()
	}
	burner := p.Burner
	if burner == nil {
		burner = tokenburn.NoopBurner{}
	}

	return &Service{
		db:       p.DB,
		node:     p.Node,
		clock:    c,
		seq:      p.Seq,
		burner:   burner,
		flags:    p.Flags,
		enqueuer: p.Enqueuer,
		metrics:  p.Metrics,
		opts:     OptionsFromConfig(p.Config),
		store:    newStore(p.DB),
	}
}

// options prefers the live config so remote reloads apply without a restart.
func (s *Service) options() Options {
	if cfg := config.Current(); cfg != nil {
		return OptionsFromConfig(cfg)
	}
	return s.opts
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Microsecond)
}

func spanLogger(ctx context.Context, fields ...zap.Field) *zap.Logger {
	sc := trace.SpanFromContext(ctx).SpanContext()
	base := []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
	return zap.L().With(append(base, fields...)...)
}

// fail records the outcome and normalises err into an *Error. Anything that
// is not already a business error is logged with a stack and becomes INTERNAL.
func (s *Service) fail(ctx context.Context, log *zap.Logger, op string, err error) error {
	span := trace.SpanFromContext(ctx)

	var e *Error
	if errors.As(err, &e) && e.Code != CodeInternal {
		s.metrics.outcome(op, e.Code)
		span.SetAttributes(attribute.String("redemption.code", string(e.Code)))
		log.Info("redemption operation rejected", zap.String("op", op), zap.String("code", string(e.Code)))
		return e
	}

	s.metrics.outcome(op, CodeInternal)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	log.Error("redemption operation failed", zap.String("op", op), zap.Error(err), zap.Stack("stack"))
	if e != nil {
		return e
	}
	return internal(err)
}

func (s *Service) succeed(op string) {
	s.metrics.outcome(op, codeOK)
}

// expireLazily writes EXPIRED for a PENDING request found past its deadline.
// If another writer moved the row first, the error reflects the new status.
func (s *Service) expireLazily(ctx context.Context, req *RedemptionRequest, now time.Time, mapStatus func(Status) *Error) error {
	ok, err := s.store.expirePending(ctx, req.ID, now)
	if err != nil {
		return fmt.Errorf("expire redemption %s: %w", req.ID, err)
	}
	if ok {
		s.metrics.expiredBy("lazy", 1)
		return ErrExpired
	}

	current, err := s.store.findRequest(ctx, req.ID)
	if err != nil {
		return fmt.Errorf("reload redemption %s: %w", req.ID, err)
	}
	if current == nil || current.Status == StatusPending {
		return ErrExpired
	}
	return mapStatus(current.Status)
}

// CreateRedemptionRequest mints a QR for a member's reward, or returns the
// live PENDING request for the same member, merchant and reward.
func (s *Service) CreateRedemptionRequest(ctx context.Context, in CreateInput) (*CreateResult, error) {
	ctx, span := tracer.Start(ctx, "redemption.CreateRedemptionRequest")
	defer span.End()

	log := spanLogger(ctx,
		zap.String("member_id", in.MemberID),
		zap.String("merchant_id", in.MerchantID),
		zap.String("reward_id", in.RewardID),
	)

	if in.MemberID == "" || in.MerchantID == "" || in.RewardID == "" {
		return nil, s.fail(ctx, log, opCreate, invalidArgument("memberId, merchantId and rewardId are required"))
	}

	res, err := s.create(ctx, in)
	if err != nil {
		return nil, s.fail(ctx, log, opCreate, err)
	}

	s.metrics.requestCreated(res.Existing)
	s.succeed(opCreate)
	log.Info("redemption request ready",
		zap.String("redemption_id", res.RedemptionID),
		zap.Bool("existing", res.Existing),
		zap.Time("expires_at", res.ExpiresAt),
	)
	return res, nil
}

func (s *Service) create(ctx context.Context, in CreateInput) (*CreateResult, error) {
	membership, err := s.store.findMembership(ctx, in.MerchantID, in.MemberID)
	if err != nil {
		return nil, fmt.Errorf("find membership: %w", err)
	}
	if membership == nil {
		return nil, ErrNotAMember
	}

	reward, err := s.store.findReward(ctx, in.RewardID)
	if err != nil {
		return nil, fmt.Errorf("find reward: %w", err)
	}
	if reward == nil {
		return nil, ErrRewardNotFound
	}
	if !reward.IsActive {
		return nil, ErrRewardInactive
	}
	if reward.MerchantID != in.MerchantID {
		return nil, ErrRewardMerchantMismatch
	}

	eligible, err := celengine.EvaluateRule(reward.EligibilityRule, map[string]interface{}{
		"tier":   membership.Tier,
		"points": membership.Points,
	})
	if err != nil {
		zap.L().Warn("reward eligibility rule failed to evaluate",
			zap.String("reward_id", reward.ID), zap.String("rule", reward.EligibilityRule), zap.Error(err))
		return nil, &Error{Code: CodeRewardNotEligible, Message: ErrRewardNotEligible.Message, Err: err}
	}
	if !eligible {
		return nil, ErrRewardNotEligible
	}

	if membership.Points < reward.PointsCost {
		return nil, insufficientPoints(membership.Points, reward.PointsCost)
	}

	now := s.now()
	existing, err := s.store.findLivePending(ctx, in.MemberID, in.MerchantID, in.RewardID, now)
	if err != nil {
		return nil, fmt.Errorf("find pending redemption: %w", err)
	}
	if existing != nil {
		return s.createResult(existing, true), nil
	}

	stale, err := s.store.expireStaleForTuple(ctx, in.MemberID, in.MerchantID, in.RewardID, now)
	if err != nil {
		return nil, fmt.Errorf("expire stale redemptions: %w", err)
	}
	s.metrics.expiredBy("lazy", stale)

	var usdcCost *float64
	if reward.RewardType == RewardTypeUSDCPayout && reward.USDCAmount != nil {
		v := *reward.USDCAmount
		usdcCost = &v
	}

	for attempt := 0; attempt < 3; attempt++ {
		hash, err := qrcode.Generate(now)
		if err != nil {
			return nil, err
		}

		row := &RedemptionRequest{
			ID:         s.node.Generate().String(),
			MerchantID: in.MerchantID,
			MemberID:   in.MemberID,
			RewardID:   in.RewardID,
			BusinessID: in.BusinessID,
			PointsCost: reward.PointsCost,
			USDCCost:   usdcCost,
			QRCodeHash: hash,
			Status:     StatusPending,
			ExpiresAt:  now.Add(s.options().TTL),
			CreatedAt:  now,
			UpdatedAt:  now,
		}

		err = s.store.requests.Create(ctx, row)
		if err == nil {
			return s.createResult(row, false), nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("insert redemption: %w", err)
		}

		// Either a concurrent create won the pending slot or the hash collided.
		existing, err := s.store.findLivePending(ctx, in.MemberID, in.MerchantID, in.RewardID, now)
		if err != nil {
			return nil, fmt.Errorf("find pending redemption: %w", err)
		}
		if existing != nil {
			return s.createResult(existing, true), nil
		}
	}

	return nil, errors.New("could not allocate a unique qr code")
}

func (s *Service) createResult(r *RedemptionRequest, existing bool) *CreateResult {
	return &CreateResult{
		RedemptionID: r.ID,
		QRCodeHash:   r.QRCodeHash,
		QRCodeData:   qrcode.Payload(s.options().QRNamespace, r.QRCodeHash),
		ExpiresAt:    r.ExpiresAt,
		PointsCost:   r.PointsCost,
		USDCCost:     r.USDCCost,
		Existing:     existing,
	}
}

// VerifyRedemptionQR is the scanner read path. It accepts a full QR payload
// or a bare hash. The only write it performs is lazy expiry.
func (s *Service) VerifyRedemptionQR(ctx context.Context, qr, merchantID string) (*VerifyResult, error) {
	ctx, span := tracer.Start(ctx, "redemption.VerifyRedemptionQR")
	defer span.End()

	log := spanLogger(ctx, zap.String("merchant_id", merchantID))

	if merchantID == "" {
		return nil, s.fail(ctx, log, opVerify, invalidArgument("merchantId is required"))
	}

	hash, err := qrcode.Parse(s.options().QRNamespace, qr)
	if err != nil {
		return nil, s.fail(ctx, log, opVerify, &Error{Code: CodeInvalidQR, Message: ErrInvalidQR.Message, Err: err})
	}

	// The shared lookup outlives any one caller; each caller waits on its own ctx.
	shared := context.WithoutCancel(ctx)
	ch := s.verifyGroup.DoChan(merchantID+":"+hash, func() (interface{}, error) {
		return s.verify(shared, hash, merchantID)
	})

	var out singleflight.Result
	select {
	case <-ctx.Done():
		return nil, s.fail(ctx, log, opVerify, fmt.Errorf("verify redemption: %w", ctx.Err()))
	case out = <-ch:
	}
	if out.Err != nil {
		return nil, s.fail(ctx, log, opVerify, out.Err)
	}

	res := out.Val.(*VerifyResult)
	s.succeed(opVerify)
	log.Debug("redemption verified", zap.String("redemption_id", res.RedemptionID))
	return res, nil
}

func (s *Service) verify(ctx context.Context, hash, merchantID string) (*VerifyResult, error) {
	req, err := s.store.findRequestByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("find redemption by hash: %w", err)
	}
	if req == nil {
		return nil, ErrInvalidQR
	}
	if req.MerchantID != merchantID {
		return nil, ErrWrongMerchant
	}
	if req.Status != StatusPending {
		return nil, verifyStatusError(req.Status)
	}

	now := s.now()
	if !now.Before(req.ExpiresAt) {
		return nil, s.expireLazily(ctx, req, now, verifyStatusError)
	}

	membership, err := s.store.findMembership(ctx, req.MerchantID, req.MemberID)
	if err != nil {
		return nil, fmt.Errorf("find membership: %w", err)
	}
	if membership == nil {
		return nil, ErrNotAMember
	}
	if membership.Points < req.PointsCost {
		return nil, insufficientPoints(membership.Points, req.PointsCost)
	}

	member, err := s.store.findMember(ctx, req.MemberID)
	if err != nil {
		return nil, fmt.Errorf("find member: %w", err)
	}
	reward, err := s.store.findReward(ctx, req.RewardID)
	if err != nil {
		return nil, fmt.Errorf("find reward: %w", err)
	}

	res := &VerifyResult{
		RedemptionID:     req.ID,
		Member:           MemberView{ID: req.MemberID},
		Reward:           RewardView{ID: req.RewardID, PointsCost: req.PointsCost, USDCCost: req.USDCCost},
		CurrentBalance:   membership.Points,
		Tier:             membership.Tier,
		ExpiresAt:        req.ExpiresAt,
		ExpiresInSeconds: int64(req.ExpiresAt.Sub(now) / time.Second),
	}
	if member != nil {
		res.Member.Name = member.Name
		res.Member.Email = member.Email
	}
	if reward != nil {
		res.Reward.Name = reward.Name
		res.Reward.Description = reward.Description
		res.Reward.ImageURL = reward.ImageURL
		res.Reward.RewardType = reward.RewardType
	}
	return res, nil
}

type confirmOutcome struct {
	result     *ConfirmResult
	reward     *Reward
	memberID   string
	merchantID string
	pointsCost int64
	eventID    string
}

// ConfirmRedemption deducts points exactly once. The status CAS, the balance
// debit, the transaction record and the event share one database transaction;
// token burn and event fan-out run after commit and cannot fail the call.
func (s *Service) ConfirmRedemption(ctx context.Context, in ConfirmInput) (*ConfirmResult, error) {
	ctx, span := tracer.Start(ctx, "redemption.ConfirmRedemption")
	defer span.End()

	log := spanLogger(ctx,
		zap.String("redemption_id", in.RedemptionID),
		zap.String("merchant_id", in.MerchantID),
	)

	if in.RedemptionID == "" || in.MerchantID == "" {
		return nil, s.fail(ctx, log, opConfirm, invalidArgument("redemptionId and merchantId are required"))
	}

	out, err := s.confirm(ctx, in)
	if err != nil {
		return nil, s.fail(ctx, log, opConfirm, err)
	}

	s.burnTokens(ctx, log, out)
	s.publishConfirmed(ctx, log, out)

	s.succeed(opConfirm)
	log.Info("redemption confirmed",
		zap.String("transaction_id", out.result.TransactionID),
		zap.Int64("points_deducted", out.result.PointsDeducted),
		zap.Int64("new_balance", out.result.NewBalance),
	)
	return out.result, nil
}

func (s *Service) confirm(ctx context.Context, in ConfirmInput) (*confirmOutcome, error) {
	req, err := s.store.findRequest(ctx, in.RedemptionID)
	if err != nil {
		return nil, fmt.Errorf("find redemption: %w", err)
	}
	if req == nil {
		return nil, ErrNotFound
	}
	if req.MerchantID != in.MerchantID {
		return nil, ErrUnauthorized
	}
	if req.Status != StatusPending {
		return nil, transitionStatusError(req.Status)
	}

	now := s.now()
	if !now.Before(req.ExpiresAt) {
		return nil, s.expireLazily(ctx, req, now, transitionStatusError)
	}

	reward, err := s.store.findReward(ctx, req.RewardID)
	if err != nil {
		return nil, fmt.Errorf("find reward: %w", err)
	}
	rewardName := ""
	if reward != nil {
		rewardName = reward.Name
	}

	businessID := req.BusinessID
	if in.BusinessID != nil && *in.BusinessID != "" {
		businessID = in.BusinessID
	}

	reference := s.nextReference(ctx, req.MerchantID)

	out := &confirmOutcome{
		reward:     reward,
		memberID:   req.MemberID,
		merchantID: req.MerchantID,
		pointsCost: req.PointsCost,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		st := s.store.withTx(tx)

		ok, err := st.transitionPending(ctx, req.ID, now, StatusConfirmed, map[string]any{
			"confirmed_at":          now,
			"confirmed_by_staff_id": in.StaffID,
			"business_id":           businessID,
		})
		if err != nil {
			return fmt.Errorf("mark redemption confirmed: %w", err)
		}
		if !ok {
			return ErrInvalidState
		}

		debited, err := st.debitPoints(ctx, req.MerchantID, req.MemberID, req.PointsCost, now)
		if err != nil {
			return fmt.Errorf("debit points: %w", err)
		}

		membership, err := st.lockMembership(ctx, req.MerchantID, req.MemberID)
		if err != nil {
			return fmt.Errorf("reload membership: %w", err)
		}
		if membership == nil {
			return ErrNotAMember
		}
		if !debited {
			return insufficientPoints(membership.Points, req.PointsCost)
		}

		metadata, err := json.Marshal(map[string]any{
			"redemption_id": req.ID,
			"business_id":   businessID,
			"staff_id":      in.StaffID,
			"usdc_cost":     req.USDCCost,
		})
		if err != nil {
			return err
		}

		txn := &RewardTransaction{
			ID:            s.node.Generate().String(),
			MerchantID:    req.MerchantID,
			MemberID:      req.MemberID,
			RewardID:      req.RewardID,
			RedemptionID:  req.ID,
			Reference:     reference,
			Type:          TransactionTypeRedeem,
			Amount:        req.PointsCost,
			BalanceBefore: membership.Points + req.PointsCost,
			BalanceAfter:  membership.Points,
			Reason:        fmt.Sprintf("Redeemed: %s", rewardName),
			Metadata:      datatypes.JSON(metadata),
			CreatedAt:     now,
		}
		if err := st.transactions.Create(ctx, txn); err != nil {
			return fmt.Errorf("insert reward transaction: %w", err)
		}

		payload, err := json.Marshal(map[string]any{
			"redemption_id":   req.ID,
			"transaction_id":  txn.ID,
			"reward_id":       req.RewardID,
			"reward_name":     rewardName,
			"points_deducted": req.PointsCost,
			"new_balance":     membership.Points,
			"usdc_cost":       req.USDCCost,
			"business_id":     businessID,
			"staff_id":        in.StaffID,
		})
		if err != nil {
			return err
		}

		evt := &Event{
			ID:         s.node.Generate().String(),
			Type:       EventTypeConfirmed,
			MerchantID: req.MerchantID,
			MemberID:   req.MemberID,
			EntityID:   req.ID,
			Payload:    datatypes.JSON(payload),
			CreatedAt:  now,
		}
		if err := st.events.Create(ctx, evt); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}

		out.eventID = evt.ID
		out.result = &ConfirmResult{
			RedemptionID:   req.ID,
			TransactionID:  txn.ID,
			Reference:      reference,
			PointsDeducted: req.PointsCost,
			NewBalance:     membership.Points,
			RewardName:     rewardName,
			USDCCost:       req.USDCCost,
			ConfirmedAt:    now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func (s *Service) nextReference(ctx context.Context, merchantID string) string {
	if s.seq != nil {
		code, err := s.seq.NextRedemptionCode(ctx, merchantID)
		if err == nil {
			return code
		}
		zap.L().Warn("sequence unavailable, using snowflake reference", zap.String("merchant_id", merchantID), zap.Error(err))
	}
	return "RDM-" + s.node.Generate().String()
}

// burnTokens runs after commit. Failures are logged and counted only.
func (s *Service) burnTokens(ctx context.Context, log *zap.Logger, out *confirmOutcome) {
	if out.reward == nil || !out.reward.TokenDenominated() {
		return
	}
	if s.flags != nil && !s.flags.IsEnabled(ctx, out.merchantID, featureflags.RedemptionTokenBurn, true) {
		log.Debug("token burn disabled by flag")
		return
	}

	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.options().BurnTimeout)
	defer cancel()

	res, err := s.burner.BurnTokens(bctx, tokenburn.BurnRequest{
		MemberID:        out.memberID,
		MerchantID:      out.merchantID,
		Amount:          out.reward.BurnAmount(out.pointsCost),
		Reason:          fmt.Sprintf("Redeemed: %s", out.reward.Name),
		RelatedEntityID: out.result.RedemptionID,
	})
	if err != nil {
		s.metrics.burnFailed()
		log.Warn("token burn failed after confirmation", zap.Error(err))
		return
	}
	if res == nil || !res.Success {
		return
	}

	out.result.TokensBurned = res.Amount
	if res.TxHash != "" {
		hash := res.TxHash
		out.result.BurnTxHash = &hash
	}
}

// DeclineRedemption is a staff rejection. It never touches the balance.
func (s *Service) DeclineRedemption(ctx context.Context, redemptionID, merchantID string, reason *string) (*DeclineResult, error) {
	ctx, span := tracer.Start(ctx, "redemption.DeclineRedemption")
	defer span.End()

	log := spanLogger(ctx, zap.String("redemption_id", redemptionID), zap.String("merchant_id", merchantID))

	if redemptionID == "" || merchantID == "" {
		return nil, s.fail(ctx, log, opDecline, invalidArgument("redemptionId and merchantId are required"))
	}

	res, err := s.decline(ctx, redemptionID, merchantID, reason)
	if err != nil {
		return nil, s.fail(ctx, log, opDecline, err)
	}

	s.succeed(opDecline)
	log.Info("redemption declined", zap.String("reason", res.Reason))
	return res, nil
}

func (s *Service) decline(ctx context.Context, redemptionID, merchantID string, reason *string) (*DeclineResult, error) {
	req, err := s.store.findRequest(ctx, redemptionID)
	if err != nil {
		return nil, fmt.Errorf("find redemption: %w", err)
	}
	if req == nil {
		return nil, ErrNotFound
	}
	if req.MerchantID != merchantID {
		return nil, ErrUnauthorized
	}
	if req.Status != StatusPending {
		return nil, transitionStatusError(req.Status)
	}

	now := s.now()
	if !now.Before(req.ExpiresAt) {
		return nil, s.expireLazily(ctx, req, now, transitionStatusError)
	}

	text := s.options().DefaultDeclineReason
	if reason != nil && *reason != "" {
		text = *reason
	}

	ok, err := s.store.transitionPending(ctx, req.ID, now, StatusDeclined, map[string]any{
		"declined_at":    now,
		"decline_reason": text,
	})
	if err != nil {
		return nil, fmt.Errorf("mark redemption declined: %w", err)
	}
	if !ok {
		return nil, ErrInvalidState
	}

	return &DeclineResult{
		RedemptionID: req.ID,
		Status:       StatusDeclined,
		Reason:       text,
		DeclinedAt:   now,
	}, nil
}

// CancelRedemption lets a member withdraw their own PENDING request.
func (s *Service) CancelRedemption(ctx context.Context, redemptionID, memberID string) (*CancelResult, error) {
	ctx, span := tracer.Start(ctx, "redemption.CancelRedemption")
	defer span.End()

	log := spanLogger(ctx, zap.String("redemption_id", redemptionID), zap.String("member_id", memberID))

	if redemptionID == "" || memberID == "" {
		return nil, s.fail(ctx, log, opCancel, invalidArgument("redemptionId and memberId are required"))
	}

	res, err := s.cancel(ctx, redemptionID, memberID)
	if err != nil {
		return nil, s.fail(ctx, log, opCancel, err)
	}

	s.succeed(opCancel)
	log.Info("redemption cancelled")
	return res, nil
}

func (s *Service) cancel(ctx context.Context, redemptionID, memberID string) (*CancelResult, error) {
	req, err := s.store.findRequest(ctx, redemptionID)
	if err != nil {
		return nil, fmt.Errorf("find redemption: %w", err)
	}
	if req == nil {
		return nil, ErrNotFound
	}
	if req.MemberID != memberID {
		return nil, ErrUnauthorized
	}
	if req.Status != StatusPending {
		return nil, transitionStatusError(req.Status)
	}

	now := s.now()
	if !now.Before(req.ExpiresAt) {
		return nil, s.expireLazily(ctx, req, now, transitionStatusError)
	}

	ok, err := s.store.transitionPending(ctx, req.ID, now, StatusCancelled, map[string]any{
		"cancelled_at": now,
	})
	if err != nil {
		return nil, fmt.Errorf("mark redemption cancelled: %w", err)
	}
	if !ok {
		return nil, ErrInvalidState
	}

	return &CancelResult{
		RedemptionID: req.ID,
		Status:       StatusCancelled,
		CancelledAt:  now,
	}, nil
}

// CleanupExpiredRedemptions marks every lapsed PENDING request EXPIRED in one
// statement and returns how many rows moved.
func (s *Service) CleanupExpiredRedemptions(ctx context.Context) (int64, error) {
	ctx, span := tracer.Start(ctx, "redemption.CleanupExpiredRedemptions")
	defer span.End()

	log := spanLogger(ctx)

	n, err := s.store.expireAllStale(ctx, s.now())
	if err != nil {
		return 0, s.fail(ctx, log, opCleanup, fmt.Errorf("expire stale redemptions: %w", err))
	}

	s.metrics.expiredBy("sweep", n)
	s.succeed(opCleanup)
	span.SetAttributes(attribute.Int64("redemption.expired", n))
	if n > 0 {
		log.Info("expired stale redemptions", zap.Int64("count", n))
	}
	return n, nil
}

// GetRedemptionStatus is the member-side poll. A lapsed PENDING request is
// expired on read and reported as EXPIRED rather than failing the call.
func (s *Service) GetRedemptionStatus(ctx context.Context, redemptionID, memberID string) (*StatusResult, error) {
	ctx, span := tracer.Start(ctx, "redemption.GetRedemptionStatus")
	defer span.End()

	log := spanLogger(ctx, zap.String("redemption_id", redemptionID), zap.String("member_id", memberID))

	if redemptionID == "" || memberID == "" {
		return nil, s.fail(ctx, log, opStatus, invalidArgument("redemptionId and memberId are required"))
	}

	req, err := s.store.findRequest(ctx, redemptionID)
	if err != nil {
		return nil, s.fail(ctx, log, opStatus, fmt.Errorf("find redemption: %w", err))
	}
	if req == nil {
		return nil, s.fail(ctx, log, opStatus, ErrNotFound)
	}
	if req.MemberID != memberID {
		return nil, s.fail(ctx, log, opStatus, ErrUnauthorized)
	}

	now := s.now()
	if req.Status == StatusPending && !now.Before(req.ExpiresAt) {
		if err := s.expireLazily(ctx, req, now, transitionStatusError); CodeOf(err) == CodeInternal {
			return nil, s.fail(ctx, log, opStatus, err)
		}
		req, err = s.store.findRequest(ctx, redemptionID)
		if err != nil {
			return nil, s.fail(ctx, log, opStatus, fmt.Errorf("reload redemption: %w", err))
		}
		if req == nil {
			return nil, s.fail(ctx, log, opStatus, ErrNotFound)
		}
	}

	res := &StatusResult{RedemptionView: newRedemptionView(req)}
	if req.Status == StatusPending {
		res.QRCodeData = qrcode.Payload(s.options().QRNamespace, req.QRCodeHash)
	}

	s.succeed(opStatus)
	return res, nil
}

// ListRedemptions pages a merchant's requests newest first.
func (s *Service) ListRedemptions(ctx context.Context, in ListInput) (*ListResult, error) {
	ctx, span := tracer.Start(ctx, "redemption.ListRedemptions")
	defer span.End()

	log := spanLogger(ctx, zap.String("merchant_id", in.MerchantID))

	if in.MerchantID == "" {
		return nil, s.fail(ctx, log, opList, invalidArgument("merchantId is required"))
	}
	if in.Status != "" && !in.Status.Valid() {
		return nil, s.fail(ctx, log, opList, invalidArgument("unknown status "+string(in.Status)))
	}

	limit, ok := pagination.NormalizeLimit(in.Limit)
	if !ok {
		return nil, s.fail(ctx, log, opList, invalidArgument(fmt.Sprintf("limit must be between 1 and %d", pagination.MaxLimit)))
	}

	q := listQuery{MerchantID: in.MerchantID, Status: in.Status, Limit: limit + 1}
	if in.Cursor != "" {
		c, err := pagination.DecodeCursor(in.Cursor)
		if err != nil {
			return nil, s.fail(ctx, log, opList, invalidArgument("invalid cursor"))
		}
		after, err := time.Parse(time.RFC3339Nano, c.CreatedAt)
		if err != nil || c.ID == "" {
			return nil, s.fail(ctx, log, opList, invalidArgument("invalid cursor"))
		}
		after = after.UTC()
		q.After = &after
		q.AfterID = c.ID
	}

	rows, err := s.store.listRequests(ctx, q)
	if err != nil {
		return nil, s.fail(ctx, log, opList, fmt.Errorf("list redemptions: %w", err))
	}

	page, info := pagination.BuildCursorPageInfo(rows, limit, func(r *RedemptionRequest) string {
		enc, _ := pagination.EncodeCursor(pagination.Cursor{
			CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339Nano),
			ID:        r.ID,
		})
		return enc
	})

	items := make([]RedemptionView, 0, len(page))
	for _, r := range page {
		items = append(items, newRedemptionView(r))
	}

	s.succeed(opList)
	return &ListResult{Items: items, NextCursor: info.NextCursor, HasMore: info.HasMore}, nil
}
