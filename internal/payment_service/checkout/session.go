package checkout

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cbo-portal/golang_services/internal/payment_service/app"
	"github.com/cbo-portal/golang_services/internal/payment_service/domain"
)

var (
	ErrSubmitInProgress = errors.New("a payment is already in progress")
	ErrSessionClosed    = errors.New("checkout session is closed")
)

// Initiator starts an STK push. *app.MpesaService satisfies it.
type Initiator interface {
	Initiate(ctx context.Context, req app.InitiateRequest) (*app.InitiateResult, error)
}

// RecordReader reads the record being paid. *postgres.PgDependentRecordRepository satisfies it.
type RecordReader interface {
	Get(ctx context.Context, ref domain.DependentRef) (*domain.DependentRecord, error)
}

// Config bounds the dialog's own polling of the record being paid.
type Config struct {
	PollInterval   time.Duration
	MaxAttempts    int
	AutoCloseDelay time.Duration
}

// DefaultConfig polls every 5 seconds for 5 minutes and closes 2.5 seconds after success.
func DefaultConfig() Config {
	return Config{
		PollInterval:   5 * time.Second,
		MaxAttempts:    60,
		AutoCloseDelay: 2500 * time.Millisecond,
	}
}

// Options describe what is being paid and who is paying.
type Options struct {
	Dependent        domain.DependentRef
	MemberID         *uuid.UUID
	AccountReference string
	Description      string
	Method           domain.Method

	// OnSuccess receives the payment reference once the record is paid.
	OnSuccess func(reference string)
	// OnChange receives every new state.
	OnChange func(State)
}

// Session drives one checkout dialog: form input, STK push, polling of the dependent record and
// auto-close. It is safe for concurrent use; Close may be called from any goroutine.
type Session struct {
	initiator Initiator
	records   RecordReader
	cfg       Config
	opts      Options
	logger    *slog.Logger

	mu         sync.Mutex
	state      State
	cancel     context.CancelFunc
	closeTimer *time.Timer
	closed     bool
}

func NewSession(initiator Initiator, records RecordReader, cfg Config, opts Options, logger *slog.Logger) *Session {
	defaults := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.AutoCloseDelay <= 0 {
		cfg.AutoCloseDelay = defaults.AutoCloseDelay
	}
	return &Session{
		initiator: initiator,
		records:   records,
		cfg:       cfg,
		opts:      opts,
		logger:    logger.With("component", "checkout_session", "dependent", opts.Dependent.String()),
	}
}

// State returns a snapshot of the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) dispatch(e Event) State {
	s.mu.Lock()
	s.state = Reduce(s.state, e)
	st := s.state
	s.mu.Unlock()

	s.notify(st)
	return st
}

func (s *Session) notify(st State) {
	if s.opts.OnChange != nil {
		s.opts.OnChange(st)
	}
}

// Change records keyboard input for a field.
func (s *Session) Change(f Field, value string) State {
	return s.dispatch(FieldChanged{Field: f, Value: value})
}

// Blur marks a field touched and validates it.
func (s *Session) Blur(f Field) State {
	return s.dispatch(FieldBlurred{Field: f})
}

// Submit validates the form, sends the STK push and waits for the record to be paid, fail, or for
// the poll budget to run out. A timeout is not an error: the payment may still land later.
func (s *Session) Submit(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrSessionClosed
	case s.state.Submitting:
		s.mu.Unlock()
		return ErrSubmitInProgress
	}
	s.state = Reduce(s.state, SubmitStarted{})
	st := s.state
	if st.Step != StepProcessing {
		s.mu.Unlock()
		s.notify(st)
		return formError(st)
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()
	s.notify(st)

	amount, err := domain.ParseAmount(st.Amount)
	if err != nil {
		s.dispatch(InitiationRejected{Message: userMessage(err)})
		return err
	}
	res, err := s.initiator.Initiate(ctx, app.InitiateRequest{
		PhoneNumber:      st.Phone,
		Amount:           amount,
		AccountReference: s.opts.AccountReference,
		Description:      s.opts.Description,
		Method:           s.opts.Method,
		Dependent:        &s.opts.Dependent,
		MemberID:         s.opts.MemberID,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			s.interrupted(ctx)
			return ctxErr
		}
		s.logger.WarnContext(ctx, "Payment initiation failed", "error", err)
		s.dispatch(InitiationRejected{Message: userMessage(err)})
		return err
	}
	checkoutID := res.Transaction.CorrelationID()
	s.dispatch(InitiationAccepted{CheckoutRequestID: checkoutID, CustomerMessage: res.CustomerMessage})

	poller := app.Poller[*domain.DependentRecord]{
		Interval:    s.cfg.PollInterval,
		MaxAttempts: s.cfg.MaxAttempts,
		Read: func(ctx context.Context) (*domain.DependentRecord, error) {
			return s.records.Get(ctx, s.opts.Dependent)
		},
		Done: func(rec *domain.DependentRecord) bool {
			return rec != nil && (rec.Status.IsSettled() || rec.Status == domain.DependentStatusFailed)
		},
		OnProgress: func(attempt int, _ *domain.DependentRecord) {
			s.dispatch(PollProgress{Attempt: attempt, MaxAttempts: s.cfg.MaxAttempts})
		},
		OnReadError: func(attempt int, err error) {
			s.logger.WarnContext(ctx, "Status check failed", "attempt", attempt, "error", err)
		},
	}
	out, err := poller.Run(ctx)
	if err != nil {
		if ctx.Err() != nil {
			s.interrupted(ctx)
		}
		return err
	}
	if !out.Resolved {
		s.logger.InfoContext(ctx, "Payment verification timed out", "checkout_request_id", checkoutID, "attempts", out.Attempts)
		s.dispatch(PollTimedOut{})
		return nil
	}

	rec := out.Value
	if rec.Status == domain.DependentStatusFailed {
		s.dispatch(PaymentFailed{Message: "the payment was not completed"})
		return domain.ErrPaymentFailed
	}

	reference := checkoutID
	if rec.ReferenceNumber != nil && *rec.ReferenceNumber != "" {
		reference = *rec.ReferenceNumber
	}
	s.dispatch(PaymentCompleted{Reference: reference})
	if s.opts.OnSuccess != nil {
		s.opts.OnSuccess(reference)
	}
	s.scheduleClose()
	return nil
}

// interrupted returns the form to an actionable state when the caller gave up waiting. The
// prompt may already be on the handset, so it is reported like a timeout rather than a failure.
func (s *Session) interrupted(ctx context.Context) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	s.logger.InfoContext(ctx, "Payment wait interrupted", "error", ctx.Err())
	s.dispatch(PollTimedOut{})
}

func (s *Session) scheduleClose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closeTimer = time.AfterFunc(s.cfg.AutoCloseDelay, s.Close)
	}
}

// Close stops any polling and pending auto-close. In-flight gateway calls are not recalled;
// their results are ignored.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	if s.closeTimer != nil {
		s.closeTimer.Stop()
	}
	s.mu.Unlock()

	s.dispatch(Closed{})
}

func formError(st State) error {
	if st.PhoneError != "" {
		return &domain.ValidationError{Field: string(FieldPhone), Message: st.PhoneError}
	}
	if st.AmountError != "" {
		return &domain.ValidationError{Field: string(FieldAmount), Message: st.AmountError}
	}
	return ErrSubmitInProgress
}

// userMessage turns an initiation error into text for the form.
func userMessage(err error) string {
	var rejected *domain.RejectedError
	var invalid *domain.ValidationError
	switch {
	case errors.As(err, &rejected):
		return rejected.Description
	case errors.As(err, &invalid):
		return invalid.Message
	case errors.Is(err, domain.ErrForbidden):
		return "You can only pay for your own records."
	case errors.Is(err, domain.ErrAlreadyCompleted):
		return "This record has already been paid."
	default:
		return "Could not start the payment. Please try again."
	}
}
