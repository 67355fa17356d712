package main

import (
	"context"
	"log"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"getonblockchain/pkg/config"
	"getonblockchain/pkg/db"
	"getonblockchain/pkg/gen"
	"getonblockchain/pkg/logger"
	"getonblockchain/services/redemption"
)

const (
	demoMerchant = "merchant-demo"
	demoMember   = "member-demo"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		gen.Module,
		fx.Invoke(redemption.Migrate, seed),
		fx.WithLogger(func() fxevent.Logger { return fxevent.NopLogger }),
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		log.Fatalf("seed failed: %v", err)
	}
	if err := app.Stop(ctx); err != nil {
		log.Fatalf("seed shutdown failed: %v", err)
	}
}

// seed inserts a demo merchant catalog and one enrolled member. Re-running is a no-op.
func seed(db *gorm.DB, node *snowflake.Node) error {
	usdc := 5.0
	tokens := int64(50)

	member := redemption.Member{ID: demoMember, Name: "Demo Member", Email: "demo@getonblockchain.test"}
	membership := redemption.MerchantMember{
		ID:         node.Generate().String(),
		MerchantID: demoMerchant,
		MemberID:   demoMember,
		Points:     1000,
		Tier:       "GOLD",
	}
	rewards := []redemption.Reward{
		{ID: "reward-coffee", MerchantID: demoMerchant, Name: "Free Coffee", PointsCost: 100, RewardType: redemption.RewardTypeStandard, IsActive: true},
		{ID: "reward-cashback", MerchantID: demoMerchant, Name: "$5 Cashback", PointsCost: 500, USDCAmount: &usdc, RewardType: redemption.RewardTypeUSDCPayout, IsActive: true},
		{ID: "reward-mug", MerchantID: demoMerchant, Name: "Branded Mug", PointsCost: 250, TokenCost: &tokens, RewardType: redemption.RewardTypeToken, IsActive: true},
		{ID: "reward-lounge", MerchantID: demoMerchant, Name: "VIP Lounge", PointsCost: 300, IsActive: true, EligibilityRule: `tier == "GOLD" || tier == "PLATINUM"`},
	}

	return db.Transaction(func(tx *gorm.DB) error {
		ignore := tx.Clauses(clause.OnConflict{DoNothing: true})
		if err := ignore.Create(&member).Error; err != nil {
			return err
		}
		if err := ignore.Create(&membership).Error; err != nil {
			return err
		}
		if err := ignore.Create(&rewards).Error; err != nil {
			return err
		}
		zap.L().Info("seeded demo data",
			zap.String("merchant_id", demoMerchant),
			zap.String("member_id", demoMember),
			zap.Int("rewards", len(rewards)),
		)
		return nil
	})
}
