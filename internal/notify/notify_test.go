package notify

import (
	"testing"

	"github.com/stretchr/testify/require"

	"btcperp-engine/internal/model"
)

func TestNew_NoCredentialsDisablesTransports(t *testing.T) {
	d := New("", 0, "")
	require.Nil(t, d.bot)
	require.Nil(t, d.fcm)
}

func TestEnqueue_DropsWhenFull(t *testing.T) {
	d := New("", 0, "")
	for i := 0; i < queueDepth; i++ {
		d.Enqueue(Event{Kind: "alert", Text: "x"})
	}
	require.Equal(t, queueDepth, len(d.events))
	d.Enqueue(Event{Kind: "alert", Text: "overflow"})
	require.Equal(t, queueDepth, len(d.events))
}

func TestTradeClosedEvent_FormatsResult(t *testing.T) {
	rec := model.TradeRecord{Side: model.SideBuy, Result: "WIN", PnlNet: 12.5, ExitReason: "tp2_trail"}
	ev := TradeClosedEvent(rec)
	require.Contains(t, ev.Text, "WIN")
	require.Contains(t, ev.Text, "tp2_trail")
}

func TestParseChatID(t *testing.T) {
	require.EqualValues(t, 12345, ParseChatID("12345"))
	require.EqualValues(t, 0, ParseChatID(""))
	require.EqualValues(t, 0, ParseChatID("not-a-number"))
}
