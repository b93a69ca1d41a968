package dispatch

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/aigatewayhq/upstream-gateway/internal/codec"
	"github.com/aigatewayhq/upstream-gateway/internal/ledger"
	coreauth "github.com/aigatewayhq/upstream-gateway/sdk/cliproxy/auth"
)

// recordConsumption reads the cached before-quota, derives an after-quota via
// QuotaAfter (or the default read-through re-check when unset), and writes
// the consumption-log row through the Ledger.
func (e *Engine) recordConsumption(ctx context.Context, account *coreauth.Auth, req Request, events []codec.Event) error {
	before, _, _ := ledger.GetQuota(account.Metadata, req.Model)

	quotaAfter := e.QuotaAfter
	if quotaAfter == nil {
		quotaAfter = e.defaultQuotaAfter
	}
	after := quotaAfter(account, req.Model, events)

	return e.Ledger.RecordConsumption(ctx, req.UserID, account.ID, req.Model, before, after, account.Shared)
}

// defaultQuotaAfter re-reads the cached fraction the call started from. If
// the response carried an in-band usage event (Kiro's credits), the first
// one's credits are subtracted from it, clamped at 0; otherwise the cached
// value is returned unchanged, so the recorded consumption is 0.
func (e *Engine) defaultQuotaAfter(account *coreauth.Auth, model string, events []codec.Event) float64 {
	before, _, _ := ledger.GetQuota(account.Metadata, model)
	for _, ev := range events {
		if ev.Kind == codec.KindUsage && ev.UsageCredits > 0 {
			if before-ev.UsageCredits < 0 {
				return 0
			}
			return before - ev.UsageCredits
		}
	}
	return before
}

// backgroundQuotaRefresh is the Ledger's non-blocking RefreshFunc hook: it
// delegates the provider-specific models-list re-fetch to
// Engine.RefreshQuota (wired by cmd/gateway) and only logs its error. A nil
// RefreshQuota makes it a no-op.
func (e *Engine) backgroundQuotaRefresh(ctx context.Context, auth *coreauth.Auth) {
	if e.RefreshQuota == nil {
		return
	}
	if err := e.RefreshQuota(ctx, auth); err != nil {
		log.WithError(err).Warnf("dispatch: background quota refresh failed (account=%s)", auth.ID)
	}
}
