package event

import (
	"fmt"
	"time"
)

// Deposited records a synchronous deposit: assets in, shares minted.
type Deposited struct {
	DepositID string    `json:"deposit_id"`
	Pool      string    `json:"pool_id"`
	Owner     string    `json:"owner"`
	Assets    string    `json:"assets"`
	Shares    string    `json:"shares"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *Deposited) IdempotencyKey() string { return e.DepositID }
func (e *Deposited) EventType() EventType   { return EventTypeDeposited }
func (e *Deposited) PoolID() *string        { return &e.Pool }
func (e *Deposited) SourceSequence() int64  { return 0 }

// SharesMinted records a mint call (exact share count requested).
type SharesMinted struct {
	MintID    string    `json:"mint_id"`
	Pool      string    `json:"pool_id"`
	Owner     string    `json:"owner"`
	Shares    string    `json:"shares"`
	Assets    string    `json:"assets"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *SharesMinted) IdempotencyKey() string { return e.MintID }
func (e *SharesMinted) EventType() EventType   { return EventTypeSharesMinted }
func (e *SharesMinted) PoolID() *string        { return &e.Pool }
func (e *SharesMinted) SourceSequence() int64  { return 0 }

// WithdrawRequested records a withdrawal call: the immediately paid
// portion plus the queued remainder and its request key. RequestKey is
// empty when the exit settled fully synchronously and nothing queued;
// WithdrawID is unique per event either way.
type WithdrawRequested struct {
	WithdrawID      string    `json:"withdraw_id"`
	RequestKey      string    `json:"request_key"`
	Pool            string    `json:"pool_id"`
	Owner           string    `json:"owner"`
	Receiver        string    `json:"receiver"`
	Track           string    `json:"track"`
	SharesBurned    string    `json:"shares_burned"`
	ImmediateAssets string    `json:"immediate_assets"`
	QueuedAssets    string    `json:"queued_assets"`
	Timestamp       time.Time `json:"timestamp"`
}

func (e *WithdrawRequested) IdempotencyKey() string { return e.WithdrawID }
func (e *WithdrawRequested) EventType() EventType   { return EventTypeWithdrawRequested }
func (e *WithdrawRequested) PoolID() *string        { return &e.Pool }
func (e *WithdrawRequested) SourceSequence() int64  { return 0 }

// QueueSettled records one settlement pass: idle funds applied to the
// accumulator backlog and moved into the claimable bucket.
type QueueSettled struct {
	SettleID  string    `json:"settle_id"`
	Pool      string    `json:"pool_id"`
	Consumed  string    `json:"consumed"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *QueueSettled) IdempotencyKey() string { return e.SettleID }
func (e *QueueSettled) EventType() EventType   { return EventTypeQueueSettled }
func (e *QueueSettled) PoolID() *string        { return &e.Pool }
func (e *QueueSettled) SourceSequence() int64  { return 0 }

// Claimed records a successful claim payout.
type Claimed struct {
	RequestKey string    `json:"request_key"`
	Pool       string    `json:"pool_id"`
	Caller     string    `json:"caller"`
	Payout     string    `json:"payout"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e *Claimed) IdempotencyKey() string { return fmt.Sprintf("claim:%s", e.RequestKey) }
func (e *Claimed) EventType() EventType   { return EventTypeClaimed }
func (e *Claimed) PoolID() *string        { return &e.Pool }
func (e *Claimed) SourceSequence() int64  { return 0 }

// FeesCollected records an operator fee sweep.
type FeesCollected struct {
	CollectID string    `json:"collect_id"`
	Pool      string    `json:"pool_id"`
	Receiver  string    `json:"receiver"`
	Amount    string    `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *FeesCollected) IdempotencyKey() string { return e.CollectID }
func (e *FeesCollected) EventType() EventType   { return EventTypeFeesCollected }
func (e *FeesCollected) PoolID() *string        { return &e.Pool }
func (e *FeesCollected) SourceSequence() int64  { return 0 }
