// Package welcome implements the asynchronous welcome-coupon workflow: an
// inbound request event drives issuance against the reserved welcome policy
// and a result event is emitted, with at-least-once delivery and idempotent
// issuance per user.
package welcome

import "net/http"

// PolicyName is the reserved name of the well-known welcome coupon policy.
// Its presence is an operational precondition; a missing policy is a
// configuration defect, not a transient failure.
const PolicyName = "WELCOME_COUPON"

// Request is the inbound "issue welcome coupon" message.
type Request struct {
	UserID int64 `json:"userId"`
}

// Response is the outbound result message. ResultCode follows the HTTP
// status convention; 200 signals success.
type Response struct {
	ResultCode int   `json:"resultCode"`
	UserID     int64 `json:"userId"`
	CouponID   int64 `json:"couponId"`
}

// ResultOK is the success result code.
const ResultOK = http.StatusOK
