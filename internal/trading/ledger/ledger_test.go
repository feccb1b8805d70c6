package ledger

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"trade_engine/internal/core"
	apperrors "trade_engine/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buyOrder(id string) core.Order {
	return core.Order{
		ID:       id,
		Symbol:   "BTCUSDT",
		Side:     core.SideBuy,
		Quantity: decimal.NewFromFloat(0.01),
		Price:    decimal.NewFromInt(100),
		BuyPrice: decimal.NewFromInt(100),
		Status:   core.OrderStatusCommitted,
	}
}

func update(id, status string, ts int64) core.OrderUpdate {
	return core.OrderUpdate{OrderID: id, Symbol: "BTCUSDT", Status: status, EventTime: ts}
}

func TestMapStatus(t *testing.T) {
	tests := []struct {
		in    string
		want  core.OrderStatus
		known bool
	}{
		{"NEW", core.OrderStatusAccepted, true},
		{"CANCELED", core.OrderStatusCanceled, true},
		{"EXPIRED", core.OrderStatusCanceled, true},
		{"REJECTED", core.OrderStatusCanceled, true},
		{"FILLED", core.OrderStatusSuccess, true},
		{"TRADE", core.OrderStatusSuccess, true},
		{"PARTIALLY_FILLED", 0, false},
		{"PENDING_CANCEL", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := MapStatus(tt.in)
			assert.Equal(t, tt.known, ok)
			if tt.known {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestLedger_RecordOpenRejectsDuplicates(t *testing.T) {
	l := New(10)
	require.NoError(t, l.RecordOpen(buyOrder("a")))
	assert.ErrorIs(t, l.RecordOpen(buyOrder("a")), apperrors.ErrDuplicateOrder)

	res, _ := l.ApplyUpdate(update("a", "CANCELED", 10))
	require.Equal(t, ResultApplied, res)
	assert.ErrorIs(t, l.RecordOpen(buyOrder("a")), apperrors.ErrDuplicateOrder, "archived ids stay reserved")

	assert.Error(t, l.RecordOpen(core.Order{}))
}

func TestLedger_NewThenOlderCancelStaysAccepted(t *testing.T) {
	l := New(10)
	require.NoError(t, l.RecordOpen(buyOrder("a")))

	res, outcome := l.ApplyUpdate(update("a", "NEW", 100))
	assert.Equal(t, ResultApplied, res)
	assert.Equal(t, core.OrderStatusCommitted, outcome.Previous)

	res, _ = l.ApplyUpdate(update("a", "CANCELED", 50))
	assert.Equal(t, ResultStale, res)

	o, ok := l.Get("a")
	require.True(t, ok)
	assert.Equal(t, core.OrderStatusAccepted, o.Status)
	assert.Equal(t, int64(100), o.UpdateTime)
	assert.Len(t, l.OpenOrders("BTCUSDT"), 1)
}

func TestLedger_EqualTimestampIsStale(t *testing.T) {
	l := New(10)
	require.NoError(t, l.RecordOpen(buyOrder("a")))

	res, _ := l.ApplyUpdate(update("a", "NEW", 100))
	require.Equal(t, ResultApplied, res)
	res, _ = l.ApplyUpdate(update("a", "FILLED", 100))
	assert.Equal(t, ResultStale, res)
}

func TestLedger_UnknownUpdateDoesNotMutate(t *testing.T) {
	l := New(10)
	require.NoError(t, l.RecordOpen(buyOrder("a")))

	res, _ := l.ApplyUpdate(update("not-ours", "FILLED", 100))
	assert.Equal(t, ResultUnknown, res)

	o, _ := l.Get("a")
	assert.Equal(t, core.OrderStatusCommitted, o.Status)
	assert.Equal(t, 1, l.OpenCount())
	assert.Empty(t, l.Archived())
}

func TestLedger_UnmappedStatusIgnored(t *testing.T) {
	l := New(10)
	require.NoError(t, l.RecordOpen(buyOrder("a")))

	res, _ := l.ApplyUpdate(update("a", "PARTIALLY_FILLED", 100))
	assert.Equal(t, ResultIgnored, res)

	o, _ := l.Get("a")
	assert.Equal(t, int64(0), o.UpdateTime)
}

func TestLedger_TerminalMovesToArchive(t *testing.T) {
	l := New(10)
	require.NoError(t, l.RecordOpen(buyOrder("a")))

	res, outcome := l.ApplyUpdate(core.OrderUpdate{OrderID: "a", ExchangeID: "1001", Symbol: "BTCUSDT", Status: "FILLED", EventTime: 5})
	require.Equal(t, ResultApplied, res)
	assert.Equal(t, core.OrderStatusSuccess, outcome.Order.Status)
	assert.Equal(t, "1001", outcome.Order.ExchangeID)

	assert.Empty(t, l.OpenOrders("BTCUSDT"))
	archived := l.Archived()
	require.Len(t, archived, 1)
	assert.Equal(t, "a", archived[0].ID)

	// non-terminal after terminal is absorbed
	res, _ = l.ApplyUpdate(update("a", "NEW", 9))
	assert.Equal(t, ResultStale, res)

	// a newer terminal correction still applies
	res, outcome = l.ApplyUpdate(update("a", "CANCELED", 9))
	assert.Equal(t, ResultApplied, res)
	assert.Equal(t, core.OrderStatusSuccess, outcome.Previous)
	assert.Equal(t, core.OrderStatusCanceled, outcome.Order.Status)
}

func TestLedger_ConvergesUnderAnyDeliveryOrder(t *testing.T) {
	updates := []core.OrderUpdate{
		update("a", "NEW", 10),
		update("a", "PARTIALLY_FILLED", 20),
		update("a", "FILLED", 30),
	}

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		perm := rng.Perm(len(updates))
		l := New(10)
		require.NoError(t, l.RecordOpen(buyOrder("a")))

		for _, idx := range perm {
			l.ApplyUpdate(updates[idx])
		}

		o, ok := l.Get("a")
		require.True(t, ok)
		assert.Equal(t, core.OrderStatusSuccess, o.Status, "permutation %v", perm)
		assert.Equal(t, int64(30), o.UpdateTime, "permutation %v", perm)
	}
}

func TestLedger_AcknowledgeAndAbandon(t *testing.T) {
	l := New(10)
	require.NoError(t, l.RecordOpen(buyOrder("a")))
	require.NoError(t, l.Acknowledge("a", "1001"))
	assert.ErrorIs(t, l.Acknowledge("missing", "1"), apperrors.ErrOrderNotFound)

	o, _ := l.Get("a")
	assert.Equal(t, "1001", o.ExchangeID)

	outcome, ok := l.Abandon("a")
	require.True(t, ok)
	assert.Equal(t, core.OrderStatusCanceled, outcome.Order.Status)
	assert.Empty(t, l.OpenOrders("BTCUSDT"))

	require.NoError(t, l.RecordOpen(buyOrder("b")))
	l.ApplyUpdate(update("b", "NEW", 1))
	_, ok = l.Abandon("b")
	assert.False(t, ok, "acknowledged orders are not abandoned")
}

func TestLedger_Sweep(t *testing.T) {
	l := New(2)
	start := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return start }

	require.NoError(t, l.RecordOpen(buyOrder("committed")))
	require.NoError(t, l.RecordOpen(buyOrder("accepted")))
	l.ApplyUpdate(update("accepted", "NEW", 1))

	policy := SweepPolicy{AckTimeout: 30 * time.Second, OrderTTL: time.Hour}

	report := l.Sweep(start.Add(10*time.Second), policy)
	assert.Empty(t, report.Abandoned)
	assert.Empty(t, report.Expired)

	report = l.Sweep(start.Add(31*time.Second), policy)
	require.Len(t, report.Abandoned, 1)
	assert.Equal(t, "committed", report.Abandoned[0].Order.ID)
	assert.Equal(t, core.OrderStatusCanceled, report.Abandoned[0].Order.Status)
	assert.Empty(t, report.Expired)

	report = l.Sweep(start.Add(2*time.Hour), policy)
	require.Len(t, report.Expired, 1)
	assert.Equal(t, "accepted", report.Expired[0].ID)
	assert.Equal(t, 1, l.OpenCount(), "expired orders stay open until the exchange confirms")
}

func TestLedger_SweepTrimsArchive(t *testing.T) {
	l := New(3)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("o-%d", i)
		require.NoError(t, l.RecordOpen(buyOrder(id)))
		l.ApplyUpdate(update(id, "CANCELED", int64(i+1)))
	}

	report := l.Sweep(time.Now(), SweepPolicy{})
	assert.Equal(t, 2, report.Trimmed)

	archived := l.Archived()
	require.Len(t, archived, 3)
	assert.Equal(t, "o-2", archived[0].ID)
	_, ok := l.Get("o-0")
	assert.False(t, ok)
}
