package client

import "time"

// Problem is the RFC 7807 error body returned by the server.
type Problem struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Instance  string `json:"instance,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Turn is one user message sent on behalf of a conversation.
type Turn struct {
	Key    string `json:"key"`
	UserID int64  `json:"user_id"`
	Locale string `json:"locale"`
	Text   string `json:"text,omitempty"`
	Choice string `json:"choice,omitempty"`
}

// Message is a rendered reply.
type Message struct {
	Key  string `json:"key"`
	Text string `json:"text"`
	URL  string `json:"url,omitempty"`
}

type messages struct {
	Messages []Message `json:"messages"`
}

// Balance is a user's balance and subscription.
type Balance struct {
	UserID            int64      `json:"user_id"`
	Balance           int64      `json:"balance"`
	BalanceUSD        string     `json:"balance_usd"`
	BalanceLocal      string     `json:"balance_local"`
	LocalCurrency     string     `json:"local_currency"`
	Subscribed        bool       `json:"subscribed"`
	SubscriptionUntil *time.Time `json:"subscription_until,omitempty"`
}

// Entry is one ledger record.
type Entry struct {
	ID           string    `json:"id"`
	UserID       int64     `json:"user_id"`
	AmountDelta  int64     `json:"amount_delta"`
	BalanceAfter int64     `json:"balance_after"`
	Reason       string    `json:"reason"`
	Actor        string    `json:"actor"`
	OperationID  string    `json:"operation_id"`
	Timestamp    time.Time `json:"timestamp"`
}

type history struct {
	UserID  int64   `json:"user_id"`
	Entries []Entry `json:"entries"`
}

// Completion reports the outcome of a generation job.
type Completion struct {
	OperationID string `json:"operation_id"`
	Success     bool   `json:"success"`
	ArtifactURL string `json:"artifact_url,omitempty"`
	Error       string `json:"error,omitempty"`
}
