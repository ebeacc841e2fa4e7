package txengine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juicetokens/core/pkg/attestationstore"
	"github.com/juicetokens/core/pkg/cryptoprim"
	"github.com/juicetokens/core/pkg/denomclock"
	"github.com/juicetokens/core/pkg/token"
	"github.com/juicetokens/core/pkg/transport"
	"github.com/juicetokens/core/pkg/wire"
)

func testConfig() Config {
	return Config{
		TxTimeout:        2 * time.Second,
		MaxRetries:       2,
		BaseRetryBackoff: 20 * time.Millisecond,
		ResolutionWindow: time.Minute,
		IssuanceMin:      1.0,
		CheckInterval:    50 * time.Millisecond,
	}
}

func TestFourPacketHappyPath(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	initSigner, err := cryptoprim.NewEd25519Signer()
	require.NoError(t, err)
	respSigner, err := cryptoprim.NewEd25519Signer()
	require.NoError(t, err)

	store := attestationstore.NewInMemoryStore()
	initEngine := NewEngine(ctx, testConfig(), initSigner, store, nil)
	respEngine := NewEngine(ctx, testConfig(), respSigner, store, nil)
	defer initEngine.Stop()
	defer respEngine.Stop()

	aliceDuplex, bobDuplex := transport.LoopbackPair()

	aliceToken, err := token.CreateToken(10, "iss-1", "alice", time.Time{})
	require.NoError(t, err)
	clock := denomclock.NewClock([]float64{10}, 4)

	var responderTx *Transaction
	done := make(chan struct{})
	go func() {
		defer close(done)
		responderTx, _ = respEngine.HandleIncoming(ctx, bobDuplex, "bob", nil, clock, func(senderExo Pak, senderClock *denomclock.Clock) ([]token.Token, error) {
			return nil, nil
		})
	}()

	initiatorTx, err := initEngine.InitiateTransfer(ctx, aliceDuplex, "alice", "bob", 10, []token.Token{aliceToken}, clock)
	require.NoError(t, err)
	<-done

	require.NotNil(t, responderTx)
	assert.Equal(t, StateFinalized, initiatorTx.State)
	assert.Equal(t, StateFinalized, responderTx.State)
	assert.Equal(t, initiatorTx.ID, responderTx.ID)
}

// TestPreparationTimeoutAbortsTransaction exercises a peer that goes silent
// right after Seed/Initiation: the initiator never receives a Preparation
// reply, so its bounded wait expires and the transaction is aborted rather
// than hanging forever.
func TestPreparationTimeoutAbortsTransaction(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signer, err := cryptoprim.NewEd25519Signer()
	require.NoError(t, err)
	store := attestationstore.NewInMemoryStore()

	cfg := testConfig()
	cfg.TxTimeout = 100 * time.Millisecond
	engine := NewEngine(ctx, cfg, signer, store, nil)
	defer engine.Stop()

	a, b := transport.LoopbackPair()
	defer b.Close()

	tok, err := token.CreateToken(10, "iss-1", "alice", time.Time{})
	require.NoError(t, err)
	clock := denomclock.NewClock([]float64{10}, 4)

	go func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		b.Receive(drainCtx)
		b.Receive(drainCtx)
	}()

	_, err = engine.InitiateTransfer(ctx, a, "alice", "bob", 10, []token.Token{tok}, clock)
	require.Error(t, err)
}

// TestInconclusiveResolvesViaAttestationStore drives the handshake through
// Preparation normally, then goes silent on Commitment so the initiator's
// retries exhaust and the transaction lands in INCONCLUSIVE. A witness
// record published to the attestation store (as if another validator had
// observed the commitment) lets resolveInconclusive finalize the transfer
// instead of aborting it.
func TestInconclusiveResolvesViaAttestationStore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signer, err := cryptoprim.NewEd25519Signer()
	require.NoError(t, err)
	store := attestationstore.NewInMemoryStore()

	cfg := testConfig()
	cfg.MaxRetries = 1
	cfg.BaseRetryBackoff = 10 * time.Millisecond
	engine := NewEngine(ctx, cfg, signer, store, nil)
	defer engine.Stop()

	a, b := transport.LoopbackPair()
	defer b.Close()

	tok, err := token.CreateToken(10, "iss-1", "alice", time.Time{})
	require.NoError(t, err)
	clock := denomclock.NewClock([]float64{10}, 4)

	go func() {
		frameCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		seedFrame, err := b.Receive(frameCtx)
		if err != nil {
			return
		}
		seedEnv, err := wire.Decode(seedFrame.Payload)
		if err != nil {
			return
		}

		// A witness validator already saw this commitment land; publish
		// that before the initiator's retries even exhaust.
		_ = store.Publish(context.Background(), attestationstore.Record{
			TransactionID: seedEnv.TransactionID,
			ValidatorID:   "witness",
			Outcome:       "COMMITTED",
			PublishedAt:   time.Now().UTC(),
			ExpiresAt:     time.Now().UTC().Add(time.Minute),
		})

		if _, err := b.Receive(frameCtx); err != nil {
			return
		}

		prepBody, err := json.Marshal(preparationPayload{ReceiverExo: Pak{Kind: PakReceiverExo}})
		if err != nil {
			return
		}
		prepEnv := wire.TransactionEnvelope{Tag: wire.TagPreparation, TransactionID: seedEnv.TransactionID, Body: prepBody}
		if err := b.Send(frameCtx, transport.Frame{Payload: wire.Encode(prepEnv)}); err != nil {
			return
		}

		// Drain every Commitment retry without ever replying with
		// Finalization, forcing the retry loop to exhaust.
		for i := 0; i <= cfg.MaxRetries; i++ {
			if _, err := b.Receive(frameCtx); err != nil {
				return
			}
		}
	}()

	resultTx, err := engine.InitiateTransfer(ctx, a, "alice", "bob", 10, []token.Token{tok}, clock)
	require.NoError(t, err)
	assert.Equal(t, StateFinalized, resultTx.State)
}
