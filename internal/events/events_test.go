package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/store/memory"
)

func TestInlineStockHandlerIsIdempotent(t *testing.T) {
	repo := memory.New()
	repo.SetStock("b1", "v1", 2, 3)
	pub := NewInline(NewStockHandler(repo, zap.NewNop()))
	event := domain.SaleFinalizedEvent{
		EventID:   "evt-1",
		SaleID:    "sale-1",
		BranchID:  "b1",
		Movements: []domain.StockMovement{{VariantID: "v1", Quantity: 4}},
		Total:     decimal.NewFromInt(40),
		At:        time.Now().UTC(),
	}
	ctx := context.Background()

	require.NoError(t, pub.PublishSaleFinalized(ctx, event))
	require.NoError(t, pub.PublishSaleFinalized(ctx, event))

	left, err := repo.AvailableStock(ctx, "v1", "b1")
	require.NoError(t, err)
	assert.Equal(t, 1, left)
}

func TestReturnMovementRestocks(t *testing.T) {
	repo := memory.New()
	repo.SetStock("b1", "v1", 0, 0)
	handler := NewStockHandler(repo, zap.NewNop())

	require.NoError(t, handler(context.Background(), domain.SaleFinalizedEvent{
		EventID: "evt-2", SaleID: "sale-2", BranchID: "b1",
		Movements: []domain.StockMovement{{VariantID: "v1", Quantity: -2}},
	}))

	left, err := repo.AvailableStock(context.Background(), "v1", "b1")
	require.NoError(t, err)
	assert.Equal(t, 2, left)
}

func TestDecode(t *testing.T) {
	payload, err := json.Marshal(domain.SaleFinalizedEvent{EventID: "evt-1", SaleID: "sale-1", BranchID: "b1"})
	require.NoError(t, err)

	event, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, "sale-1", event.SaleID)

	_, err = Decode([]byte(`{"sale_id":"sale-1"}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`nope`))
	assert.Error(t, err)
}
