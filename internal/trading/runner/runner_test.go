package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"trade_engine/internal/bus"
	"trade_engine/internal/core"
	"trade_engine/internal/strategy"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct {
	core.ILogger
}

func (m *mockLogger) Info(msg string, args ...interface{})                  {}
func (m *mockLogger) Error(msg string, args ...interface{})                 {}
func (m *mockLogger) Warn(msg string, args ...interface{})                  {}
func (m *mockLogger) Debug(msg string, args ...interface{})                 {}
func (m *mockLogger) WithField(key string, value interface{}) core.ILogger  { return m }
func (m *mockLogger) WithFields(fields map[string]interface{}) core.ILogger { return m }

var btc1h = core.TopicKey{Symbol: "BTCUSDT", Category: core.CandleCategory(core.Interval1h)}

func candle(epoch, price int64) core.MarketEvent {
	c := decimal.NewFromInt(price)
	return core.NewCandleEvent(core.Candle{
		Symbol: "BTCUSDT", Interval: core.Interval1h,
		Open: c, High: c, Low: c, Close: c,
		EventTime: epoch,
	})
}

func newRSI(t *testing.T) strategy.Strategy {
	t.Helper()
	s, err := strategy.NewRSI("btc-rsi", core.Interval1h, 14, 30, 70)
	require.NoError(t, err)
	return s
}

func startRunner(t *testing.T, r *Runner) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
		return nil
	}
}

func TestRunner_ForwardsTaggedSignals(t *testing.T) {
	reg := bus.NewRegistry(64, &mockLogger{})
	require.NoError(t, reg.Register(btc1h))
	sub, err := reg.Subscribe(btc1h)
	require.NoError(t, err)

	out := make(chan core.StrategySignal, 32)
	r := New(newRSI(t), sub, out, "BTCUSDT", &mockLogger{})
	assert.Equal(t, "btc-rsi", r.ID())
	_, done := startRunner(t, r)

	ctx := context.Background()
	for i := int64(0); i < 15; i++ {
		require.NoError(t, reg.Publish(ctx, candle(1000+i, 200-i)))
	}

	var buys int
	for i := int64(0); i < 15; i++ {
		select {
		case sig := <-out:
			assert.Equal(t, "btc-rsi", sig.StrategyID)
			assert.Equal(t, core.Symbol("BTCUSDT"), sig.Symbol)
			assert.Equal(t, btc1h, sig.Topic)
			assert.Equal(t, 1000+i, sig.Epoch)
			if sig.Signal == core.SignalBuy {
				buys++
				assert.Equal(t, int64(14), i, "buy fires on the 15th close")
			}
		case <-time.After(time.Second):
			t.Fatalf("signal %d not forwarded", i)
		}
	}
	assert.Equal(t, 1, buys)

	reg.Close()
	assert.NoError(t, waitDone(t, done))
}

func TestRunner_ContinuesAfterLag(t *testing.T) {
	reg := bus.NewRegistry(4, &mockLogger{})
	require.NoError(t, reg.Register(btc1h))
	sub, err := reg.Subscribe(btc1h)
	require.NoError(t, err)

	ctx := context.Background()
	for i := int64(0); i < 10; i++ {
		require.NoError(t, reg.Publish(ctx, candle(i, 100)))
	}
	reg.Close()

	out := make(chan core.StrategySignal, 32)
	_, done := startRunner(t, New(newRSI(t), sub, out, "BTCUSDT", &mockLogger{}))
	require.NoError(t, waitDone(t, done))

	close(out)
	var epochs []int64
	for sig := range out {
		epochs = append(epochs, sig.Epoch)
	}
	assert.Equal(t, []int64{6, 7, 8, 9}, epochs)
}

func TestRunner_StopsOnCancel(t *testing.T) {
	reg := bus.NewRegistry(8, &mockLogger{})
	require.NoError(t, reg.Register(btc1h))
	sub, err := reg.Subscribe(btc1h)
	require.NoError(t, err)

	// unbuffered and never read: the runner must not wedge on send
	out := make(chan core.StrategySignal)
	cancel, done := startRunner(t, New(newRSI(t), sub, out, "BTCUSDT", &mockLogger{}))

	require.NoError(t, reg.Publish(context.Background(), candle(1, 100)))
	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.NoError(t, waitDone(t, done))
}

type failingSource struct{ err error }

func (f failingSource) Recv(context.Context) (core.MarketEvent, error) { return core.MarketEvent{}, f.err }
func (f failingSource) Key() core.TopicKey                              { return btc1h }

func TestRunner_ReturnsSubscriptionFailure(t *testing.T) {
	boom := errors.New("boom")
	out := make(chan core.StrategySignal, 1)
	_, done := startRunner(t, New(newRSI(t), failingSource{err: boom}, out, "BTCUSDT", &mockLogger{}))

	err := waitDone(t, done)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "btc-rsi")
}
