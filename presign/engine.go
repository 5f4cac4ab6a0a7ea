package presign

import (
	"context"
	"errors"
	"fmt"

	"github.com/TEENet-io/ramp-go/agreement"
	"github.com/TEENet-io/ramp-go/metrics"
	logger "github.com/sirupsen/logrus"
)

var (
	ErrMissingEphemeralKey = errors.New("missing ephemeral key for network")
	ErrSigningFailed       = errors.New("signing failed")
	ErrNoSigner            = errors.New("no signer for chain family")
	ErrDuplicatePhase      = errors.New("phase presigned twice")
)

const DefaultRunLength = 3

type Config struct {
	// Signed variants per transaction, primary included.
	RunLength int
}

func DefaultConfig() *Config {
	return &Config{RunLength: DefaultRunLength}
}

// Engine signs every unsigned transaction of a ramp as a run of variants at
// consecutive nonces. The primary (offset 0) is returned, offsets 1..N-1 sit
// in its Meta.AdditionalTxs under "<phase><offset>".
type Engine struct {
	runLength int
	signers   map[agreement.Family]agreement.Signer
	metrics   *metrics.Metrics
}

func NewEngine(cfg *Config, m *metrics.Metrics, signers ...agreement.Signer) *Engine {
	if m == nil {
		m = metrics.New(nil)
	}
	n := cfg.RunLength
	if n < 1 {
		n = DefaultRunLength
	}
	e := &Engine{
		runLength: n,
		signers:   make(map[agreement.Family]agreement.Signer),
		metrics:   m,
	}
	for _, s := range signers {
		e.signers[s.Family()] = s
	}
	return e
}

func (e *Engine) RunLength() int {
	return e.runLength
}

// Presign signs tx at tx.Nonce, tx.Nonce+1, ..., tx.Nonce+N-1.
func (e *Engine) Presign(ctx context.Context, tx *agreement.UnsignedTx, keys *KeyRing) (*agreement.PresignedTx, error) {
	key, ok := keys.Get(tx.Network)
	if !ok || key.Secret == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingEphemeralKey, tx.Network)
	}
	signer, ok := e.signers[tx.Family()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSigner, tx.Family())
	}

	var primary *agreement.PresignedTx
	for offset := 0; offset < e.runLength; offset++ {
		nonce := tx.Nonce + uint64(offset)
		txData, err := signer.SignAt(ctx, tx, key, nonce)
		if err != nil {
			return nil, fmt.Errorf("%w: %s at nonce %d: %v", ErrSigningFailed, tx, nonce, err)
		}

		variant := &agreement.PresignedTx{
			Network: tx.Network,
			Kind:    tx.Kind,
			Phase:   tx.Phase,
			Signer:  tx.Signer,
			Nonce:   nonce,
			TxData:  txData,
		}
		if offset == 0 {
			primary = variant
			continue
		}
		if primary.Meta.AdditionalTxs == nil {
			primary.Meta.AdditionalTxs = make(map[string]*agreement.PresignedTx, e.runLength-1)
		}
		primary.Meta.AdditionalTxs[agreement.AdditionalTxKey(tx.Phase, offset)] = variant
	}

	e.metrics.PresignedVariantsTotal.WithLabelValues(string(tx.Network)).Add(float64(e.runLength))
	logger.WithFields(logger.Fields{
		"network": tx.Network,
		"phase":   tx.Phase,
		"nonce":   tx.Nonce,
		"run":     e.runLength,
	}).Debug("presigned")
	return primary, nil
}

// PresignPlan presigns all transactions of a ramp, keyed by phase. Nothing
// is returned unless every transaction was signed.
func (e *Engine) PresignPlan(ctx context.Context, txs []*agreement.UnsignedTx, keys *KeyRing) (map[string]*agreement.PresignedTx, error) {
	out := make(map[string]*agreement.PresignedTx, len(txs))
	for _, tx := range txs {
		if _, dup := out[tx.Phase]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePhase, tx.Phase)
		}
		p, err := e.Presign(ctx, tx, keys)
		if err != nil {
			return nil, err
		}
		out[tx.Phase] = p
	}
	return out, nil
}
