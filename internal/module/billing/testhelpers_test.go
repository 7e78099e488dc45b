package billing

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sparlo/usage/internal/module/billing/period"
	"github.com/sparlo/usage/internal/module/billing/plan"
	"github.com/sparlo/usage/internal/module/billing/webhook"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func setupBillingTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, period.AutoMigrate(db))
	require.NoError(t, webhook.AutoMigrate(db))
	return db
}

func testPlans() []plan.Plan {
	plans := plan.DefaultPlans()
	plans[0].PriceIDs = []string{"price_core"}
	plans[1].PriceIDs = []string{"price_pro"}
	plans[3].PriceIDs = []string{"price_team_pro"}
	return plans
}

// fixture wires a processor over in-memory stores.
type fixture struct {
	db        *gorm.DB
	periods   *period.Repository
	events    *webhook.Repository
	handler   *EventHandler
	processor *Processor
}

func newFixture(t *testing.T, log *zap.Logger) *fixture {
	t.Helper()

	resolver, err := plan.NewResolver(testPlans())
	require.NoError(t, err)

	db := setupBillingTestDB(t)
	periods := period.NewRepository(db)
	events := webhook.NewRepository(db)
	handler := NewEventHandler(resolver, periods, nil, nil, log)

	return &fixture{
		db:        db,
		periods:   periods,
		events:    events,
		handler:   handler,
		processor: NewProcessor(events, handler, nil, log),
	}
}

func (f *fixture) active(t *testing.T, account uuid.UUID) *period.UsagePeriod {
	t.Helper()
	p, err := f.periods.GetActivePeriod(context.Background(), account)
	require.NoError(t, err)
	return p
}
