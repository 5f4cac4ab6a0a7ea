package stellarman

import (
	"context"
	"encoding/base64"
	"math/big"
	"testing"
	"time"

	"github.com/TEENet-io/ramp-go/agreement"
	"github.com/TEENet-io/ramp-go/txbuilder"
	"github.com/stellar/go/keypair"
	hProtocol "github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/protocols/horizon/base"
	"github.com/stellar/go/txnbuild"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Unix(1700000000, 0)

type fakeAccounts map[string]*hProtocol.Account

func (f fakeAccounts) Account(_ context.Context, address string) (*hProtocol.Account, error) {
	return f[address], nil
}

func randomAddress(t *testing.T) string {
	kp, err := keypair.Random()
	require.NoError(t, err)
	return kp.Address()
}

func newTestBuilder(reader AccountReader) *Builder {
	b := NewBuilder(DefaultConfig(), reader)
	b.now = func() time.Time { return testNow }
	return b
}

func mustBuild(t *testing.T, b *Builder, intent *txbuilder.Intent) (*unsignedPayload, *txnbuild.Transaction) {
	res, err := b.Build(context.Background(), intent)
	require.NoError(t, err)
	require.False(t, res.Skipped, res.Reason)
	p, tx, err := decodePayload(res.Tx.RawPayload)
	require.NoError(t, err)
	return p, tx
}

func TestBuildPayment(t *testing.T) {
	signer := randomAddress(t)
	anchor := randomAddress(t)
	issuer := randomAddress(t)
	memo := base64.StdEncoding.EncodeToString(make([]byte, 32))

	p, tx := mustBuild(t, newTestBuilder(fakeAccounts{}), &txbuilder.Intent{
		Network:   agreement.Stellar,
		Kind:      agreement.KindPayment,
		Phase:     "stellarOfframp",
		Signer:    signer,
		Nonce:     5 << 32,
		Asset:     "EURC:" + issuer,
		Amount:    big.NewInt(100000000),
		Recipient: anchor,
		Memo:      "hash:" + memo,
	})

	assert.Equal(t, DefaultConfig().Passphrase, p.Passphrase)
	assert.Equal(t, int64(600), p.WindowStep)
	assert.Equal(t, int64(5<<32), tx.SequenceNumber())
	assert.Equal(t, signer, tx.SourceAccount().AccountID)
	assert.Equal(t, testNow.Add(10*time.Minute).Unix(), tx.Timebounds().MaxTime)
	assert.IsType(t, txnbuild.MemoHash{}, tx.Memo())

	require.Len(t, tx.Operations(), 1)
	pay, ok := tx.Operations()[0].(*txnbuild.Payment)
	require.True(t, ok)
	assert.Equal(t, anchor, pay.Destination)
	assert.Equal(t, "10.0000000", pay.Amount)
	assert.Equal(t, "EURC", pay.Asset.GetCode())
}

func TestBuildTransferCreatesMissingAccount(t *testing.T) {
	funder := randomAddress(t)
	fresh := randomAddress(t)
	existing := randomAddress(t)
	b := newTestBuilder(fakeAccounts{existing: {AccountID: existing}})

	intent := &txbuilder.Intent{
		Network:   agreement.Stellar,
		Kind:      agreement.KindTransfer,
		Phase:     "pendulumFundEphemeral",
		Signer:    funder,
		Nonce:     10,
		Asset:     "native",
		Amount:    big.NewInt(25000000),
		Recipient: fresh,
	}
	_, tx := mustBuild(t, b, intent)
	create, ok := tx.Operations()[0].(*txnbuild.CreateAccount)
	require.True(t, ok)
	assert.Equal(t, "2.5000000", create.Amount)

	intent.Recipient = existing
	_, tx = mustBuild(t, b, intent)
	_, ok = tx.Operations()[0].(*txnbuild.Payment)
	assert.True(t, ok)
}

func TestBuildTrustline(t *testing.T) {
	signer := randomAddress(t)
	issuer := randomAddress(t)
	accounts := fakeAccounts{}
	b := newTestBuilder(accounts)

	intent := &txbuilder.Intent{
		Network: agreement.Stellar,
		Kind:    agreement.KindApprove,
		Phase:   "stellarCreateAccount",
		Signer:  signer,
		Asset:   "native",
		Spender: issuer,
		Amount:  big.NewInt(1),
	}
	res, err := b.Build(context.Background(), intent)
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	intent.Asset = "BRL:" + issuer
	_, tx := mustBuild(t, b, intent)
	ct, ok := tx.Operations()[0].(*txnbuild.ChangeTrust)
	require.True(t, ok)
	assert.Equal(t, txnbuild.MaxTrustlineLimit, ct.Limit)

	accounts[signer] = &hProtocol.Account{Balances: []hProtocol.Balance{
		{Balance: "0.0000000", Asset: base.Asset{Type: "credit_alphanum4", Code: "BRL", Issuer: issuer}},
	}}
	res, err = b.Build(context.Background(), intent)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, "trustline exists", res.Reason)
}

func TestBuildMerge(t *testing.T) {
	signer := randomAddress(t)
	funder := randomAddress(t)
	issuer := randomAddress(t)

	_, tx := mustBuild(t, newTestBuilder(nil), &txbuilder.Intent{
		Network:   agreement.Stellar,
		Kind:      agreement.KindMerge,
		Phase:     "stellarCleanup",
		Signer:    signer,
		Asset:     "EURC:" + issuer,
		Recipient: funder,
	})
	require.Len(t, tx.Operations(), 2)
	ct := tx.Operations()[0].(*txnbuild.ChangeTrust)
	limit, err := ParseAmount(ct.Limit)
	require.NoError(t, err)
	assert.Zero(t, limit.Sign())
	merge := tx.Operations()[1].(*txnbuild.AccountMerge)
	assert.Equal(t, funder, merge.Destination)
}

func TestBuildErrors(t *testing.T) {
	b := newTestBuilder(nil)
	valid := func() *txbuilder.Intent {
		return &txbuilder.Intent{
			Network:   agreement.Stellar,
			Kind:      agreement.KindPayment,
			Phase:     "stellarOfframp",
			Signer:    randomAddress(t),
			Asset:     "native",
			Amount:    big.NewInt(1),
			Recipient: randomAddress(t),
		}
	}

	i := valid()
	i.Signer = "0xabc"
	_, err := b.Build(context.Background(), i)
	assert.ErrorIs(t, err, txbuilder.ErrInvalidIntent)

	i = valid()
	i.Recipient = "GBAD"
	_, err = b.Build(context.Background(), i)
	assert.ErrorIs(t, err, txbuilder.ErrInvalidBeneficiary)

	i = valid()
	i.Memo = "this memo is far too long for a stellar text memo"
	_, err = b.Build(context.Background(), i)
	assert.ErrorIs(t, err, txbuilder.ErrInvalidIntent)

	i = valid()
	i.Asset = "EURC"
	_, err = b.Build(context.Background(), i)
	assert.ErrorIs(t, err, txbuilder.ErrInvalidIntent)

	i = valid()
	i.Kind = agreement.KindSwap
	_, err = b.Build(context.Background(), i)
	assert.ErrorIs(t, err, txbuilder.ErrUnsupportedIntent)
	assert.False(t, b.Supports(agreement.KindSwap))
}

func TestAmounts(t *testing.T) {
	assert.Equal(t, "0.0000001", AmountString(big.NewInt(1)))
	v, err := ParseAmount("12.3456789")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(123456789), v)
}
