package welcome

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/buzzbook/coupon-service/internal/domain/issuance"
	"github.com/buzzbook/coupon-service/internal/domain/policy"
)

// ErrPolicyMissing marks a request as permanently failed: the reserved
// welcome policy is not configured. Such requests must not be retried
// forever; the consumer routes them to the dead-letter path.
var ErrPolicyMissing = errors.New("welcome coupon policy is not configured")

// Issuer is the slice of the issuance coordinator the workflow needs.
type Issuer interface {
	CreateCouponIdempotent(ctx context.Context, policyID, userID int64) (issuance.IssueResult, error)
}

// PolicyFinder resolves the welcome policy by its reserved name.
type PolicyFinder interface {
	GetByName(ctx context.Context, name string) (*policy.Policy, error)
}

// ResponsePublisher emits the outbound result event. A publish error must
// abort the surrounding unit of work.
type ResponsePublisher interface {
	PublishResponse(ctx context.Context, resp Response) error
}

// Workflow handles one welcome-coupon request end to end. Coupon creation
// and response emission form a single unit of work: the issuance commits only
// after the response publish succeeds, so redelivery never strands a coupon
// without its acknowledgment.
type Workflow struct {
	policies  PolicyFinder
	issuer    Issuer
	publisher ResponsePublisher
	tx        issuance.TxRunner
}

// NewWorkflow creates a Workflow.
func NewWorkflow(policies PolicyFinder, issuer Issuer, publisher ResponsePublisher, tx issuance.TxRunner) *Workflow {
	return &Workflow{policies: policies, issuer: issuer, publisher: publisher, tx: tx}
}

// Handle processes one request. Permanent failures (the reserved policy is
// absent, expired, or deleted) are reported via errors matched by
// IsPermanent; any other error is transient and the message must be
// redelivered.
func (w *Workflow) Handle(ctx context.Context, req Request) error {
	lg := zctx.From(ctx).With(zap.Int64("user_id", req.UserID))

	p, err := w.policies.GetByName(ctx, PolicyName)
	if err != nil {
		if errors.Is(err, policy.ErrPolicyNotFound) {
			return ErrPolicyMissing
		}
		return errors.Wrap(err, "resolve welcome policy")
	}

	return w.tx.WithinTx(ctx, func(ctx context.Context) error {
		res, err := w.issuer.CreateCouponIdempotent(ctx, p.ID, req.UserID)
		if err != nil {
			return errors.Wrap(err, "issue welcome coupon")
		}

		resp := Response{
			ResultCode: ResultOK,
			UserID:     req.UserID,
			CouponID:   res.CouponID,
		}
		if err := w.publisher.PublishResponse(ctx, resp); err != nil {
			// Rolls back the issuance so redelivery can redo the whole unit.
			return errors.Wrap(err, "publish welcome response")
		}

		if res.Existing {
			lg.Info("Welcome coupon already issued, acknowledged with existing id",
				zap.Int64("coupon_id", res.CouponID))
		} else {
			lg.Info("Welcome coupon issued", zap.Int64("coupon_id", res.CouponID))
		}
		return nil
	})
}

// IsPermanent reports whether the error should stop redelivery and route the
// request to the dead-letter path. Beyond a missing reserved policy this
// covers an expired or deleted one: issuance against it fails the same way
// on every redelivery, so retrying cannot succeed until an operator
// intervenes.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPolicyMissing) ||
		errors.Is(err, issuance.ErrPolicyUnavailable) ||
		errors.Is(err, policy.ErrPolicyNotFound)
}
