package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cbo-portal/golang_services/internal/payment_service/domain"
)

// ReconciliationConfig bounds polling and retry behaviour.
type ReconciliationConfig struct {
	PollInterval    time.Duration
	PollMaxAttempts int
	RetryCooldown   time.Duration
	StalePendingAge time.Duration
}

// DefaultReconciliationConfig is 30 polls two seconds apart, a 30 second retry cooldown and a
// 24 hour pending window.
func DefaultReconciliationConfig() ReconciliationConfig {
	return ReconciliationConfig{
		PollInterval:    2 * time.Second,
		PollMaxAttempts: 30,
		RetryCooldown:   30 * time.Second,
		StalePendingAge: 24 * time.Hour,
	}
}

// PollCallbacks observe a PollTransactionStatus run. Any of them may be nil.
type PollCallbacks struct {
	OnStatusChange func(progress string)
	OnSuccess      func(txn *domain.Transaction)
	OnError        func(err error)
}

// Reconciliation issue codes.
const (
	IssueNotFound           = "transaction_not_found"
	IssueAmountMismatch     = "amount_mismatch"
	IssueMissingReceipt     = "missing_receipt"
	IssueNotCompleted       = "not_completed"
	IssueDependentUnsettled = "dependent_not_settled"
)

// ReconciliationIssue is one integrity problem found on a transaction.
type ReconciliationIssue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ReconciliationReport is the result of VerifyAndReconcile.
type ReconciliationReport struct {
	IsValid     bool                  `json:"is_valid"`
	Issues      []ReconciliationIssue `json:"issues"`
	Transaction *domain.Transaction   `json:"transaction,omitempty"`
}

func (r *ReconciliationReport) add(code, format string, args ...interface{}) {
	r.Issues = append(r.Issues, ReconciliationIssue{Code: code, Message: fmt.Sprintf(format, args...)})
	reconciliationIssuesCounter.WithLabelValues(code).Inc()
}

// ReconciliationService polls, verifies, times out, retries and cleans up M-Pesa transactions.
type ReconciliationService struct {
	txns      domain.TransactionRepository
	deps      domain.DependentRecordRepository
	gateway   domain.MpesaGateway
	cooldown  domain.CooldownStore
	initiator *stkInitiator
	cfg       ReconciliationConfig
	logger    *slog.Logger
	now       func() time.Time
}

func NewReconciliationService(
	txns domain.TransactionRepository,
	deps domain.DependentRecordRepository,
	gateway domain.MpesaGateway,
	cooldown domain.CooldownStore,
	cfg ReconciliationConfig,
	logger *slog.Logger,
) *ReconciliationService {
	defaults := DefaultReconciliationConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.PollMaxAttempts <= 0 {
		cfg.PollMaxAttempts = defaults.PollMaxAttempts
	}
	if cfg.RetryCooldown <= 0 {
		cfg.RetryCooldown = defaults.RetryCooldown
	}
	if cfg.StalePendingAge <= 0 {
		cfg.StalePendingAge = defaults.StalePendingAge
	}
	log := logger.With("service", "reconciliation")
	return &ReconciliationService{
		txns:      txns,
		deps:      deps,
		gateway:   gateway,
		cooldown:  cooldown,
		initiator: &stkInitiator{gateway: gateway, txns: txns, logger: log},
		cfg:       cfg,
		logger:    log,
		now:       time.Now,
	}
}

// PollTransactionStatus watches the stored row for checkoutRequestID until it turns terminal.
// A completed row is returned after OnSuccess; a failed one yields nil after OnError. When the
// attempt budget runs out, Daraja is queried once: on ResultCode 0 the stored row is re-read and
// returned, otherwise nil is returned and the caller should tell the user to check back.
// A nil transaction with a nil error never means the payment failed.
func (s *ReconciliationService) PollTransactionStatus(ctx context.Context, checkoutRequestID string, cb PollCallbacks) (*domain.Transaction, error) {
	c := domain.ByCheckoutRequest(checkoutRequestID)
	log := s.logger.With("checkout_request_id", checkoutRequestID)
	start := s.now()

	poller := Poller[*domain.Transaction]{
		Interval:    s.cfg.PollInterval,
		MaxAttempts: s.cfg.PollMaxAttempts,
		Read: func(ctx context.Context) (*domain.Transaction, error) {
			txn, err := s.txns.GetByCorrelation(ctx, c)
			if errors.Is(err, domain.ErrNotFound) {
				return nil, nil // still initiating
			}
			return txn, err
		},
		Done: func(txn *domain.Transaction) bool {
			return txn != nil && txn.Status.IsTerminal()
		},
		OnProgress: func(attempt int, txn *domain.Transaction) {
			if cb.OnStatusChange != nil {
				cb.OnStatusChange(progressMessage(attempt, s.cfg.PollMaxAttempts, txn))
			}
		},
		OnReadError: func(attempt int, err error) {
			log.WarnContext(ctx, "Status check failed, continuing", "attempt", attempt, "error", err)
		},
		Fallback: func(ctx context.Context) (*domain.Transaction, bool, error) {
			resp, err := s.gateway.QueryStatus(ctx, checkoutRequestID)
			if err != nil {
				return nil, false, err
			}
			if !resp.Succeeded() {
				log.InfoContext(ctx, "Fallback query not yet successful", "result_code", resp.ResultCode, "result_desc", resp.ResultDesc)
				return nil, false, nil
			}
			txn, err := s.txns.GetByCorrelation(ctx, c)
			if err != nil {
				return nil, false, err
			}
			return txn, true, nil
		},
	}

	res, err := poller.Run(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			pollDurationHist.WithLabelValues("cancelled").Observe(s.now().Sub(start).Seconds())
			return nil, ctxErr
		}
		log.WarnContext(ctx, "Fallback status query failed", "attempts", res.Attempts, "error", err)
		pollDurationHist.WithLabelValues("unresolved").Observe(s.now().Sub(start).Seconds())
		return nil, nil
	}

	if !res.Resolved {
		log.InfoContext(ctx, "Transaction unresolved after polling", "attempts", res.Attempts)
		pollDurationHist.WithLabelValues("unresolved").Observe(s.now().Sub(start).Seconds())
		return nil, nil
	}

	txn := res.Value
	switch {
	case txn.Status == domain.StatusCompleted:
		pollDurationHist.WithLabelValues("completed").Observe(s.now().Sub(start).Seconds())
		if cb.OnSuccess != nil {
			cb.OnSuccess(txn)
		}
		return txn, nil
	case res.FromFallback:
		// Daraja says paid but the callback has not landed yet.
		log.InfoContext(ctx, "Gateway reports success, stored row not yet completed", "stored_status", txn.Status)
		pollDurationHist.WithLabelValues("unresolved").Observe(s.now().Sub(start).Seconds())
		return txn, nil
	default:
		pollDurationHist.WithLabelValues("failed").Observe(s.now().Sub(start).Seconds())
		if cb.OnError != nil {
			cb.OnError(paymentFailure(txn))
		}
		return nil, nil
	}
}

func progressMessage(attempt, max int, txn *domain.Transaction) string {
	if txn == nil {
		return fmt.Sprintf("Waiting for payment request to register (%d/%d)", attempt, max)
	}
	switch txn.Status {
	case domain.StatusAwaitingApproval:
		return fmt.Sprintf("Waiting for approval on your phone (%d/%d)", attempt, max)
	case domain.StatusTimeout:
		return fmt.Sprintf("The prompt timed out, still checking (%d/%d)", attempt, max)
	default:
		return fmt.Sprintf("Waiting for M-Pesa confirmation (%d/%d)", attempt, max)
	}
}

func paymentFailure(txn *domain.Transaction) error {
	reason := string(txn.Status)
	if txn.ResultDesc != nil && *txn.ResultDesc != "" {
		reason = *txn.ResultDesc
	}
	return fmt.Errorf("%w: %s", domain.ErrPaymentFailed, reason)
}

// VerifyAndReconcile checks a stored transaction against the amount the caller expected.
// Only store errors other than not-found are returned as errors.
func (s *ReconciliationService) VerifyAndReconcile(ctx context.Context, checkoutRequestID string, expectedAmount int64) (*ReconciliationReport, error) {
	report := &ReconciliationReport{Issues: []ReconciliationIssue{}}

	txn, err := s.txns.GetByCorrelation(ctx, domain.ByCheckoutRequest(checkoutRequestID))
	if errors.Is(err, domain.ErrNotFound) {
		report.add(IssueNotFound, "no transaction for checkout request %s", checkoutRequestID)
		return report, nil
	}
	if err != nil {
		return nil, err
	}
	report.Transaction = txn

	if expectedAmount > 0 && txn.Amount != expectedAmount {
		report.add(IssueAmountMismatch, "expected amount %d, recorded %d", expectedAmount, txn.Amount)
	}
	if txn.Status != domain.StatusCompleted {
		report.add(IssueNotCompleted, "transaction status is %s", txn.Status)
	} else {
		if !txn.HasReceipt() {
			report.add(IssueMissingReceipt, "completed transaction has no receipt")
		}
		if txn.Dependent != nil && s.deps != nil {
			rec, err := s.deps.Get(ctx, *txn.Dependent)
			switch {
			case err != nil && !errors.Is(err, domain.ErrNotFound):
				return nil, err
			case err != nil:
				report.add(IssueDependentUnsettled, "%s not found", txn.Dependent)
			case !rec.Status.IsSettled():
				report.add(IssueDependentUnsettled, "%s is %s", txn.Dependent, rec.Status)
			}
		}
	}

	report.IsValid = len(report.Issues) == 0
	if !report.IsValid {
		s.logger.WarnContext(ctx, "Reconciliation found issues", "checkout_request_id", checkoutRequestID, "issues", len(report.Issues))
	}
	return report, nil
}

// HandleTransactionTimeout marks the transaction timeout unless it is already terminal.
// It reports whether the row changed.
func (s *ReconciliationService) HandleTransactionTimeout(ctx context.Context, checkoutRequestID string) (bool, error) {
	updated, err := s.txns.MarkStatus(ctx, domain.ByCheckoutRequest(checkoutRequestID), domain.StatusTimeout, "Transaction timed out")
	if err != nil {
		return false, err
	}
	s.logger.InfoContext(ctx, "Transaction timeout handled", "checkout_request_id", checkoutRequestID, "updated", updated)
	return updated, nil
}

// RetryTransaction abandons the attempt for checkoutRequestID and pushes a new prompt with the same
// parameters. Retries for the same logical payment are limited to one per cooldown window.
func (s *ReconciliationService) RetryTransaction(ctx context.Context, checkoutRequestID string) (*InitiateResult, error) {
	c := domain.ByCheckoutRequest(checkoutRequestID)
	prev, err := s.txns.GetByCorrelation(ctx, c)
	if err != nil {
		return nil, err
	}
	if prev.Status == domain.StatusCompleted {
		retriesCounter.WithLabelValues("already_completed").Inc()
		return nil, domain.ErrAlreadyCompleted
	}

	ok, err := s.cooldown.Acquire(ctx, retryKey(prev), s.cfg.RetryCooldown)
	if err != nil {
		retriesCounter.WithLabelValues("error").Inc()
		return nil, err
	}
	if !ok {
		retriesCounter.WithLabelValues("cooldown").Inc()
		return nil, domain.ErrRetryCooldown
	}

	if _, err := s.txns.MarkStatus(ctx, c, domain.StatusAbandoned, "Superseded by retry"); err != nil {
		retriesCounter.WithLabelValues("error").Inc()
		return nil, err
	}

	res, err := s.initiator.start(ctx, stkAttempt{
		phone:            prev.PhoneNumber,
		amount:           prev.Amount,
		accountReference: prev.AccountReference,
		description:      prev.Description,
		method:           prev.Method,
		memberID:         prev.MemberID,
		dependent:        prev.Dependent,
	})
	if err != nil {
		retriesCounter.WithLabelValues("error").Inc()
		return nil, err
	}
	retriesCounter.WithLabelValues("started").Inc()
	s.logger.InfoContext(ctx, "Retry started", "previous_checkout_request_id", checkoutRequestID,
		"checkout_request_id", res.Transaction.CorrelationID())
	return res, nil
}

// retryKey identifies the logical payment behind an attempt.
func retryKey(txn *domain.Transaction) string {
	switch {
	case txn.Dependent != nil:
		return txn.Dependent.String()
	case txn.AccountReference != "":
		return "account:" + txn.AccountReference
	default:
		return "transaction:" + txn.ID.String()
	}
}

// CleanupStalePendingTransactions abandons pending rows older than the configured age and returns
// how many changed. Running it again is harmless.
func (s *ReconciliationService) CleanupStalePendingTransactions(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.cfg.StalePendingAge)
	n, err := s.txns.MarkStalePendingAbandoned(ctx, cutoff)
	if err != nil {
		s.logger.ErrorContext(ctx, "Stale pending cleanup failed", "cutoff", cutoff, "error", err)
		return 0, err
	}
	abandonedCounter.Add(float64(n))
	s.logger.InfoContext(ctx, "Stale pending cleanup complete", "cutoff", cutoff, "abandoned", n)
	return n, nil
}
