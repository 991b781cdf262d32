package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ctfledger/internal/domain"
)

type recordingSender struct {
	mu     sync.Mutex
	titles []string
	bodies []string
	err    error
}

func (r *recordingSender) Send(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, a.Title)
	r.bodies = append(r.bodies, a.Text())
	return r.err
}

func (r *recordingSender) Name() string { return "recording" }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func resolutionEvent(t *testing.T) domain.LedgerEvent {
	t.Helper()
	ev, err := domain.NewEvent("tx-1", domain.EventConditionResolution, domain.ConditionResolutionEvent{
		ConditionID:      common.HexToHash("0x01"),
		Oracle:           common.HexToAddress("0x02"),
		OutcomeSlotCount: 2,
		PayoutNumerators: domain.Amounts([]*uint256.Int{uint256.NewInt(1), uint256.NewInt(0)}),
	})
	require.NoError(t, err)
	return ev
}

func TestNotifyLedgerEvent_Resolution(t *testing.T) {
	rec := &recordingSender{}
	n := NewNotifier([]Sender{rec}, nil, discardLogger())

	require.NoError(t, n.NotifyLedgerEvent(context.Background(), resolutionEvent(t)))

	require.Len(t, rec.titles, 1)
	assert.Equal(t, "Condition resolved", rec.titles[0])
	assert.Contains(t, rec.bodies[0], "payouts: [1, 0]")
}

func TestNotifyLedgerEvent_FilteredAndIgnored(t *testing.T) {
	rec := &recordingSender{}
	n := NewNotifier([]Sender{rec}, []string{EventMarketCreated}, discardLogger())

	require.NoError(t, n.NotifyLedgerEvent(context.Background(), resolutionEvent(t)))

	transfer, err := domain.NewEvent("tx-2", domain.EventTransferSingle, domain.TransferSingleEvent{})
	require.NoError(t, err)
	require.NoError(t, n.NotifyLedgerEvent(context.Background(), transfer))

	assert.Empty(t, rec.titles)
}

func TestNotifier_CollectsSenderErrors(t *testing.T) {
	ok := &recordingSender{}
	bad := &recordingSender{err: errors.New("boom")}
	n := NewNotifier([]Sender{bad, ok}, nil, discardLogger())

	err := n.Deliver(context.Background(), Alert{Event: "any", Title: "t", Body: "m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recording: boom")
	assert.Len(t, ok.titles, 1, "one failing sender does not stop the others")
}

func TestTelegramSender_PostsMessage(t *testing.T) {
	var got map[string]string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("tok", "42").WithBaseURL(srv.URL)
	require.NoError(t, s.Send(context.Background(), Alert{Title: "Title", Body: "body", Fields: []Field{{"oracle", "0x02"}}}))

	assert.Equal(t, "/bottok/sendMessage", path)
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Title*\nbody\noracle: 0x02", got["text"])
}

func TestDiscordSender_PostsEmbed(t *testing.T) {
	var got discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	a, ok, err := renderLedgerEvent(resolutionEvent(t))
	require.NoError(t, err)
	require.True(t, ok)

	s := NewDiscordSender(srv.URL)
	s.now = func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }
	require.NoError(t, s.Send(context.Background(), a))

	require.Len(t, got.Embeds, 1)
	e := got.Embeds[0]
	assert.Equal(t, "Condition resolved", e.Title)
	assert.Equal(t, colorResolved, e.Color)
	assert.Equal(t, string(domain.EventConditionResolution), e.Footer.Text)
	assert.Equal(t, "2026-05-01T12:00:00Z", e.Timestamp)
	require.Len(t, e.Fields, 3)
	assert.Equal(t, discordField{Name: "payouts", Value: "[1, 0]"}, e.Fields[2])
}

func TestDiscordSender_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), Alert{Title: "t", Body: "m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 400")
}

func TestNotifyMarketCreated(t *testing.T) {
	rec := &recordingSender{}
	n := NewNotifier([]Sender{rec}, []string{EventMarketCreated}, discardLogger())

	m := domain.Market{Question: "Will it rain?", Funding: domain.NewAmount(uint256.NewInt(100))}
	require.NoError(t, n.NotifyMarketCreated(context.Background(), m))

	require.Len(t, rec.bodies, 1)
	assert.Contains(t, rec.bodies[0], "Will it rain?")
	assert.Contains(t, rec.bodies[0], "funding: 100")
}

func TestNotifier_Enabled(t *testing.T) {
	none := NewNotifier(nil, nil, discardLogger())
	assert.False(t, none.Enabled(EventMarketCreated), "no senders")

	all := NewNotifier([]Sender{&recordingSender{}}, []string{" "}, discardLogger())
	assert.True(t, all.Enabled(string(domain.EventConditionResolution)))

	some := NewNotifier([]Sender{&recordingSender{}}, []string{" MarketCreated "}, discardLogger())
	assert.True(t, some.Enabled(EventMarketCreated))
	assert.False(t, some.Enabled(string(domain.EventConditionResolution)))
}
