package featureflags

import (
	"context"

	"getonblockchain/pkg/config"

	"github.com/Flagsmith/flagsmith-go-client/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("featureflags", fx.Provide(ProvideFeatureFlag))

const (
	RedemptionTokenBurn = "redemption_token_burn"
)

type FeatureFlag interface {
	// IsEnabled reports whether feature is on for identifier, returning def
	// when flags are not configured or the lookup fails.
	IsEnabled(ctx context.Context, identifier, feature string, def bool) bool
	Flags(ctx context.Context, identifier string, traits ...*flagsmith.Trait) (flagsmith.Flags, error)
}

type featureflag struct {
	client *flagsmith.Client
}

type FeatureParams struct {
	fx.In
	Config *config.Config
}

func ProvideFeatureFlag(p FeatureParams) FeatureFlag {
	if p.Config.Flagsmith.ApiKey == "" {
		zap.L().Info("flagsmith not configured, using flag defaults")
		return &featureflag{}
	}

	opts := []flagsmith.Option{
		flagsmith.WithAnalytics(),
	}
	if p.Config.Flagsmith.Addr != "" {
		opts = append(opts, flagsmith.WithBaseURL(p.Config.Flagsmith.Addr))
	}

	return &featureflag{
		client: flagsmith.NewClient(p.Config.Flagsmith.ApiKey, opts...),
	}
}

func (s *featureflag) IsEnabled(ctx context.Context, identifier, feature string, def bool) bool {
	if s.client == nil {
		return def
	}

	flags, err := s.Flags(ctx, identifier)
	if err != nil {
		zap.L().Warn("failed to load feature flags", zap.String("feature", feature), zap.Error(err))
		return def
	}

	enabled, err := flags.IsFeatureEnabled(feature)
	if err != nil {
		return def
	}
	return enabled
}

func (s *featureflag) Flags(ctx context.Context, identifier string, traits ...*flagsmith.Trait) (flagsmith.Flags, error) {
	var traitSlice []*flagsmith.Trait
	if len(traits) > 0 {
		traitSlice = traits
	}

	return s.client.GetIdentityFlags(identifier, traitSlice)
}

// Static is a FeatureFlag backed by a fixed map, for tests and local runs.
type Static map[string]bool

func (s Static) IsEnabled(_ context.Context, _, feature string, def bool) bool {
	if v, ok := s[feature]; ok {
		return v
	}
	return def
}

func (s Static) Flags(context.Context, string, ...*flagsmith.Trait) (flagsmith.Flags, error) {
	return flagsmith.Flags{}, nil
}
