package payment

import "github.com/pvzzle/cryptopay/internal/ethwatch"

// Request is the verification request body. UserID comes from the auth context.
type Request struct {
	TransactionHash string `json:"transactionHash"`
	Address         string `json:"address"`
	OrderID         int64  `json:"orderId"`
	UserID          int64  `json:"-"`
}

// Kind classifies a Response for transport mapping.
type Kind string

const (
	KindVerified        Kind = "Verified"
	KindAlreadyRecorded Kind = "AlreadyRecorded"
	KindInProgress      Kind = "InProgress"
	KindMissingFields   Kind = "MissingFields"
	KindSessionConflict Kind = "SessionConflict"
	KindRejected        Kind = "Rejected"
	KindCommitFailed    Kind = "CommitFailed"
	KindInternal        Kind = "Internal"
)

// Response is shared by every outcome of a verification, successful or not.
type Response struct {
	Verified               bool            `json:"verified"`
	Message                string          `json:"message"`
	TransactionStatus      ethwatch.Status `json:"transactionStatus"`
	CurrentConfirmations   int             `json:"currentConfirmations"`
	RequiredConfirmations  int             `json:"requiredConfirmations"`
	RemainingConfirmations int             `json:"remainingConfirmations"`
	AmountInUSDCents       *int64          `json:"amountInUSDcents,omitempty"`
	AmountInEther          string          `json:"amountInEther,omitempty"`
	Address                string          `json:"address,omitempty"`
	Transaction            string          `json:"transaction,omitempty"`
	SessionID              string          `json:"sessionId,omitempty"`

	Kind Kind `json:"-"`
}

const (
	msgMissingFields   = "Missing required fields"
	msgAlreadyRecorded = "Transaction already recorded."
	msgCompleted       = "Transaction is completed."
	msgInProgress      = "Waiting for confirmations."
	msgConflict        = "Transaction is already being verified for another request."
	msgBadAddress      = "Invalid sender address"
	msgCommitFailed    = "Payment confirmed on-chain but could not be recorded. Support has been notified."
	msgInternal        = "Error verifying transaction"
	retrySuffix        = " Try again"
)

func remaining(required, current int) int {
	if current >= required {
		return 0
	}
	return required - current
}

// Pending returns the base response used before any chain data is known.
func Pending(required int, message string) Response {
	return Response{
		Message:                message,
		TransactionStatus:      ethwatch.StatusPending,
		RequiredConfirmations:  required,
		RemainingConfirmations: required,
	}
}

func failed(required int, kind Kind, message string) Response {
	return Response{
		Message:                message,
		TransactionStatus:      ethwatch.StatusError,
		RequiredConfirmations:  required,
		RemainingConfirmations: required,
		Kind:                   kind,
	}
}
