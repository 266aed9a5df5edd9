package entity

import "time"

// ValidationFailure is one append-only audit entry written when a user's
// subscription could not be validated after retries.
type ValidationFailure struct {
	UserID                string    `json:"userId" bson:"userId"`
	OriginalTransactionID string    `json:"originalTransactionId" bson:"originalTransactionId"`
	ErrorMessage          string    `json:"errorMessage" bson:"errorMessage"`
	ErrorCode             string    `json:"errorCode" bson:"errorCode"`
	Retryable             bool      `json:"retryable" bson:"retryable"`
	Timestamp             time.Time `json:"timestamp" bson:"timestamp"`
}

// ValidationRun summarizes one full sweep for monitoring. FailedUserIDs is
// capped at 100 entries, PersistentFailureUserIDs at 50.
type ValidationRun struct {
	ID                       string    `json:"id" bson:"_id"`
	TotalCodes               int       `json:"totalCodes" bson:"totalCodes"`
	Validated                int       `json:"validated" bson:"validated"`
	Errors                   int       `json:"errors" bson:"errors"`
	ErrorRate                float64   `json:"errorRate" bson:"errorRate"`
	HighErrorRate            bool      `json:"highErrorRate" bson:"highErrorRate"`
	FailedUserIDs            []string  `json:"failedUserIds" bson:"failedUserIds"`
	PersistentFailureUserIDs []string  `json:"persistentFailureUserIds" bson:"persistentFailureUserIds"`
	Timestamp                time.Time `json:"timestamp" bson:"timestamp"`
}

// ValidationAlert flags a condition for out-of-band review: sustained high
// error rate or users failing validation repeatedly.
type ValidationAlert struct {
	Type            string    `json:"type" bson:"type"`
	ErrorRate       float64   `json:"errorRate,omitempty" bson:"errorRate,omitempty"`
	ErrorCount      int       `json:"errorCount,omitempty" bson:"errorCount,omitempty"`
	TotalValidation int       `json:"totalValidations,omitempty" bson:"totalValidations,omitempty"`
	UserIDs         []string  `json:"userIds,omitempty" bson:"userIds,omitempty"`
	Resolved        bool      `json:"resolved" bson:"resolved"`
	Timestamp       time.Time `json:"timestamp" bson:"timestamp"`
}

const (
	AlertHighErrorRate      = "high_error_rate"
	AlertPersistentFailures = "persistent_failures"
)
