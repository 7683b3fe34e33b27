package app

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"ratewatch/internal/alerting"
	"ratewatch/internal/config"
	"ratewatch/internal/fetcher"
	"ratewatch/internal/sample"
	"ratewatch/internal/storage"
	"ratewatch/internal/transport"
)

func testConfig() *config.Config {
	return &config.Config{
		Scheduler: config.SchedulerConfig{Interval: time.Minute},
		Source: config.SourceConfig{
			Kind:     config.SourceHTTP,
			URL:      "http://localhost/daily_json.js",
			RatePath: "Valute.USD.Value",
		},
		Transport: config.TransportConfig{
			Driver:         config.DriverMemory,
			Exchange:       "rate_exchange",
			RoutingKey:     "rate.usd.updated",
			PublishTimeout: time.Second,
			ReconnectDelay: time.Millisecond,
		},
		Consumer: config.ConsumerConfig{HandleTimeout: time.Second},
	}
}

func seededStore() *storage.MemoryStore {
	return storage.NewMemoryStore(
		storage.Mark{ID: 1, OwnerID: 7, Condition: storage.Above, TargetRate: decimal.RequireFromString("80"), IsActive: true},
		storage.Mark{ID: 2, OwnerID: 8, Condition: storage.Below, TargetRate: decimal.RequireFromString("90"), IsActive: true},
		storage.Mark{ID: 3, OwnerID: 7, Condition: storage.Above, TargetRate: decimal.RequireFromString("85"), IsActive: true},
		storage.Mark{ID: 4, OwnerID: 9, Condition: storage.Below, TargetRate: decimal.RequireFromString("60"), IsActive: false},
	)
}

func TestListMarksWritesTable(t *testing.T) {
	var buf bytes.Buffer
	err := listMarks(context.Background(), seededStore(), &buf, ShowOptions{OwnerID: 7, Limit: 10})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	require.Contains(t, lines[0], "Condition")
	require.Contains(t, lines[1], "above")
	require.Contains(t, lines[1], "80.0000")
	require.Contains(t, lines[2], "85.0000")
}

func TestListMarksEmpty(t *testing.T) {
	var buf bytes.Buffer
	err := listMarks(context.Background(), storage.NewMemoryStore(), &buf, ShowOptions{ActiveOnly: true})
	require.NoError(t, err)
	require.Equal(t, "no marks found\n", buf.String())
}

func TestPreviewTriggeredLeavesMarksActive(t *testing.T) {
	store := seededStore()
	var buf bytes.Buffer

	require.NoError(t, previewTriggered(context.Background(), store, decimal.RequireFromString("83.5"), &buf))
	require.Contains(t, buf.String(), "would trigger 2 mark(s)")

	for id := int64(1); id <= 3; id++ {
		m, _ := store.Get(id)
		require.True(t, m.IsActive)
	}

	buf.Reset()
	require.NoError(t, previewTriggered(context.Background(), store, decimal.RequireFromString("84"), &buf))
	require.Contains(t, buf.String(), "would trigger 2 mark(s)")
}

func TestPublishOnceSendsEncodedSample(t *testing.T) {
	broker := transport.NewMemoryBroker(4)
	peer := broker.Peer()

	id, err := publishOnce(context.Background(), broker, decimal.RequireFromString("91.25"), time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.False(t, broker.IsHealthy(), "broker must be closed after publishing")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, peer.Connect(ctx))
	deliveries, err := peer.Consume(ctx)
	require.NoError(t, err)

	d := <-deliveries
	require.Equal(t, id, d.MessageID)
	s, err := sample.Decode(d.Body)
	require.NoError(t, err)
	require.True(t, s.Rate.Equal(decimal.RequireFromString("91.25")))
}

func TestSimulateRateRejectsNonPositive(t *testing.T) {
	a := NewApp(testConfig(), zerolog.Nop())
	err := a.SimulateRate(context.Background(), decimal.Zero, SimulateOptions{})
	require.Error(t, err)
}

func TestSimulateRateRequiresNetworkTransport(t *testing.T) {
	a := NewApp(testConfig(), zerolog.Nop())
	err := a.SimulateRate(context.Background(), decimal.NewFromInt(1), SimulateOptions{})
	require.ErrorIs(t, err, transport.ErrSharedOnly)
}

func TestNewSourceSelectsKind(t *testing.T) {
	a := NewApp(testConfig(), zerolog.Nop())
	src, err := a.newSource()
	require.NoError(t, err)
	require.IsType(t, &fetcher.HTTPSource{}, src)

	a.Config.Source.Kind = config.SourceERC4626
	a.Config.Source.VaultAddress = "0x9D39A5DE30e57443BfF2A8307A4256c8797A3497"
	src, err = a.newSource()
	require.NoError(t, err)
	require.IsType(t, &fetcher.VaultSource{}, src)

	a.Config.Source.Kind = "ftp"
	_, err = a.newSource()
	require.Error(t, err)
}

func TestNewSinkAddsTelegramWhenEnabled(t *testing.T) {
	a := NewApp(testConfig(), zerolog.Nop())
	require.Len(t, a.newSink().(alerting.Fanout), 1)

	a.Config.Alerting.Telegram = config.TelegramConfig{Enabled: true, BotToken: "t", ChatID: "c"}
	require.Len(t, a.newSink().(alerting.Fanout), 2)
}

func TestPipelineOverMemoryTransport(t *testing.T) {
	a := NewApp(testConfig(), zerolog.Nop())
	store := seededStore()
	rec := &alerting.Recorder{}

	shared := transport.NewMemoryBroker(8)
	pub := a.newPublisher(fetcher.Static(decimal.RequireFromString("83.5")), shared, nil)
	sub := a.newConsumer(store, rec, shared.Peer())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runPipeline(ctx, pub, sub) }()

	require.Eventually(t, func() bool { return len(rec.Intents()) == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop")
	}

	for id, active := range map[int64]bool{1: false, 2: false, 3: true} {
		m, _ := store.Get(id)
		require.Equal(t, active, m.IsActive, "mark %d", id)
	}
}
