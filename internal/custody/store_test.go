package custody_test

import (
	"context"
	"path/filepath"
	"testing"

	"CollarLedger/internal/bridge"
	"CollarLedger/internal/custody"
	"CollarLedger/internal/ledger"
	"CollarLedger/internal/message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoltStore_EmptyLoad(t *testing.T) {
	store, err := custody.OpenBoltStore(filepath.Join(t.TempDir(), "custody.db"), nil)
	require.NoError(t, err)
	defer store.Close()

	snap, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, snap)

	actions, err := store.Actions(0)
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestBoltStore_AgentSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custody.db")
	b := bridge.NewLocal(bridge.WithAutoComplete())

	store, err := custody.OpenBoltStore(path, nil)
	require.NoError(t, err)
	h := newHarness(t, b, withStore(store))
	h.deposit(1)
	h.trade(1)
	depositIntent := h.intent(2)
	require.NoError(t, store.Close())

	store, err = custody.OpenBoltStore(path, nil)
	require.NoError(t, err)
	defer store.Close()
	restarted := newHarness(t, b, withStore(store))

	rec, ok := restarted.agent.Loan(1)
	require.True(t, ok)
	assert.Equal(t, custody.LoanTraded, rec.State)
	assert.True(t, rec.TradeConfirmed)

	acct, ok := restarted.agent.Account(custodyID)
	require.True(t, ok)
	assert.Equal(t, oneBTC, acct.Base[ledger.AssetWBTC])
	assert.Len(t, acct.OpenPositions(1), 2)

	// Outbox nonces continue instead of restarting at 1.
	sent := restarted.agent.SentSince(0)
	require.Len(t, sent, 2)
	assert.Equal(t, uint64(2), sent[1].Message.Nonce)

	// Two intents were received; the relay resumes its nonce mark there.
	assert.Equal(t, uint64(2), restarted.agent.InboundHighWater())

	// The consumed intent stays consumed; the unconsumed one is still pending.
	pending := restarted.agent.PendingMessages()
	require.Len(t, pending, 1)
	assert.Equal(t, depositIntent, pending[0].ID)

	_, err = restarted.agent.SignDeposit(context.Background(), operatorAddr, depositIntent)
	require.NoError(t, err)
	assert.Equal(t, message.KindDepositConfirmed, restarted.last().Kind)
	assert.Equal(t, uint64(3), restarted.last().Nonce)

	actions, err := store.Actions(0)
	require.NoError(t, err)
	require.Len(t, actions, 3)
	for i, act := range actions {
		assert.Equal(t, uint64(i+1), act.Action.Seq)
		assert.NoError(t, act.Verify())
	}

	tail, err := store.Actions(2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, custody.ActionDeposit, tail[0].Action.Kind)
}

func TestBoltStore_SecondOpenTimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custody.db")
	store, err := custody.OpenBoltStore(path, nil)
	require.NoError(t, err)
	defer store.Close()

	_, err = custody.OpenBoltStore(path, nil)
	require.Error(t, err, "the file lock must keep a second agent out")
}
