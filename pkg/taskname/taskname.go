package taskname

const (
	// Redemption tasks
	RedemptionCleanupExpired = "redemption:cleanup:expired"
	RedemptionConfirmed      = "redemption:confirmed"
)
