package payment

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"settlement-service/internal/fault"

	"github.com/VictoriaMetrics/metrics"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// Sandbox amounts with fixed outcomes in test mode. These are a documented
// contract: 100 always verifies, 999 always fails, 500 verifies with a
// delayed confirmation, 0 never reaches the verifier.
const (
	TestAmountPaid     int64 = 100
	TestAmountDeclined int64 = 999
	TestAmountDelayed  int64 = 500
)

var (
	verifierSuccessCounter  = metrics.GetOrCreateCounter(`payment_verifier_total{result="success"}`)
	verifierRejectedCounter = metrics.GetOrCreateCounter(`payment_verifier_total{result="rejected"}`)
	verifierReplayCounter   = metrics.GetOrCreateCounter(`payment_verifier_total{result="replay"}`)

	verifierDurationHistogram = metrics.GetOrCreateHistogram(`payment_verifier_duration_milliseconds`)
)

// VerifiedPayment is the verifier's positive result.
type VerifiedPayment struct {
	Key    string
	TxHash string
	Payer  string
}

// Verifier checks payment proofs against the expected recipient and amount,
// with replay protection. It never retries internally; retry policy belongs
// to the caller.
type Verifier struct {
	guard    ReplayGuard
	chain    ChainClient
	testMode bool
	logger   *slog.Logger
}

func NewVerifier(guard ReplayGuard, chain ChainClient, testMode bool, logger *slog.Logger) *Verifier {
	return &Verifier{
		guard:    guard,
		chain:    chain,
		testMode: testMode,
		logger:   logger,
	}
}

// Verify consumes a proof. The proof key is claimed atomically before any
// chain or signature work, so two concurrent submissions of the same proof
// cannot both succeed; the claim is released again if verification fails.
func (v *Verifier) Verify(ctx context.Context, proof *Proof, expectedRecipient string, expectedAmount int64) (*VerifiedPayment, error) {
	startTime := time.Now()
	defer func() {
		verifierDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
	}()

	if err := proof.Validate(); err != nil {
		verifierRejectedCounter.Inc()
		return nil, err
	}
	if expectedAmount <= 0 {
		verifierRejectedCounter.Inc()
		return nil, fault.Validation("non_positive_amount", "expected amount must be positive")
	}

	key := proof.Key()
	claimed, err := v.guard.MarkProcessed(ctx, key)
	if err != nil {
		verifierRejectedCounter.Inc()
		return nil, fault.TransientVerification("replay_check_failed", err.Error())
	}
	if !claimed {
		verifierReplayCounter.Inc()
		return nil, fault.Replay("proof_already_used", "payment proof has already been consumed")
	}

	result, err := v.verifyClaimed(ctx, proof, expectedRecipient, expectedAmount)
	if err != nil {
		if releaseErr := v.guard.Release(ctx, key); releaseErr != nil {
			v.logger.ErrorContext(ctx, "Error releasing proof claim", "key", key, "error", releaseErr)
		}
		verifierRejectedCounter.Inc()
		return nil, err
	}

	verifierSuccessCounter.Inc()
	return result, nil
}

func (v *Verifier) verifyClaimed(ctx context.Context, proof *Proof, expectedRecipient string, expectedAmount int64) (*VerifiedPayment, error) {
	if v.testMode {
		return v.verifyTestMode(proof, expectedAmount)
	}

	switch proof.Scheme {
	case SchemeTxHash:
		return v.verifyOnChain(ctx, proof, expectedRecipient, expectedAmount)
	case SchemeAuthorized:
		return v.verifyAuthorization(proof, expectedRecipient, expectedAmount)
	default:
		return nil, fault.Validation("unknown_scheme", fmt.Sprintf("unsupported proof scheme: %s", proof.Scheme))
	}
}

func (v *Verifier) verifyTestMode(proof *Proof, expectedAmount int64) (*VerifiedPayment, error) {
	if expectedAmount == TestAmountDeclined {
		return nil, fault.Verification("test_amount_declined", "test amount 999 always fails verification")
	}

	result := &VerifiedPayment{Key: proof.Key(), TxHash: proof.TxHash}
	if proof.Authorization != nil {
		result.Payer = proof.Authorization.From
	}
	return result, nil
}

func (v *Verifier) verifyOnChain(ctx context.Context, proof *Proof, expectedRecipient string, expectedAmount int64) (*VerifiedPayment, error) {
	if v.chain == nil {
		return nil, fault.TransientVerification("chain_unavailable", "no chain client configured")
	}

	tx, err := v.chain.TransactionByHash(ctx, proof.TxHash)
	if err != nil {
		if err == ErrTxNotFound {
			// The transaction may simply not have propagated yet.
			return nil, fault.TransientVerification("tx_not_found", "transaction does not exist on chain")
		}
		return nil, fault.TransientVerification("chain_lookup_failed", err.Error())
	}

	if tx.Confirmations < 1 {
		return nil, fault.TransientVerification("tx_unconfirmed", "transaction is not yet mined")
	}
	if !sameAddress(tx.To, expectedRecipient) {
		return nil, fault.Verification("recipient_mismatch", "transaction recipient does not match")
	}
	if tx.Value == nil || tx.Value.Cmp(big.NewInt(expectedAmount)) < 0 {
		return nil, fault.Verification("amount_insufficient", "transaction value is below the required amount")
	}

	return &VerifiedPayment{Key: proof.Key(), TxHash: proof.TxHash}, nil
}

func (v *Verifier) verifyAuthorization(proof *Proof, expectedRecipient string, expectedAmount int64) (*VerifiedPayment, error) {
	auth := proof.Authorization

	if time.Now().Unix() >= auth.ValidBefore {
		return nil, fault.Verification("authorization_expired", "signed authorization has expired")
	}
	if !sameAddress(auth.To, expectedRecipient) {
		return nil, fault.Verification("recipient_mismatch", "authorization recipient does not match")
	}

	value, err := decimal.NewFromString(auth.Value)
	if err != nil {
		return nil, fault.Validation("malformed_authorization", "authorization value is not a number")
	}
	if value.Cmp(decimal.NewFromInt(expectedAmount)) < 0 {
		return nil, fault.Verification("amount_insufficient", "authorized value is below the required amount")
	}

	signer, err := recoverSigner(AuthorizationDigest(auth), proof.Signature)
	if err != nil {
		return nil, fault.Verification("signature_invalid", err.Error())
	}
	if !sameAddress(signer.Hex(), auth.From) {
		return nil, fault.Verification("signer_mismatch", "recovered signer does not match the claimed payer")
	}

	return &VerifiedPayment{Key: proof.Key(), Payer: auth.From}, nil
}

// AuthorizationDigest is the hash clients sign over the authorization
// parameters, using the personal-message prefix.
func AuthorizationDigest(auth *Authorization) []byte {
	message := fmt.Sprintf("transfer:%s:%s:%s:%d",
		strings.ToLower(auth.To), auth.Value, auth.Nonce, auth.ValidBefore)
	return accounts.TextHash([]byte(message))
}

// SignAuthorization produces the signature a paying client attaches to a
// signed-authorization proof. Exposed for the client SDK and tests.
func SignAuthorization(auth *Authorization, privateKey *ecdsa.PrivateKey) (string, error) {
	sig, err := crypto.Sign(AuthorizationDigest(auth), privateKey)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}

func recoverSigner(digest []byte, signature string) (common.Address, error) {
	sigBytes, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to decode signature: %w", err)
	}
	if len(sigBytes) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sigBytes))
	}

	// Accept both Ethereum-style (27/28) and raw (0/1) recovery ids.
	if sigBytes[64] >= 27 {
		sigBytes[64] -= 27
	}

	pubKey, err := crypto.SigToPub(digest, sigBytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

func sameAddress(a, b string) bool {
	if !common.IsHexAddress(a) || !common.IsHexAddress(b) {
		return strings.EqualFold(a, b)
	}
	return common.HexToAddress(a) == common.HexToAddress(b)
}
