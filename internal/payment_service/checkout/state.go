package checkout

import (
	"errors"
	"fmt"

	"github.com/cbo-portal/golang_services/internal/payment_service/domain"
)

// Step is where the checkout dialog is.
type Step int

const (
	StepForm Step = iota
	StepProcessing
	StepSuccess
	StepClosed
)

func (s Step) String() string {
	switch s {
	case StepForm:
		return "form"
	case StepProcessing:
		return "processing"
	case StepSuccess:
		return "success"
	case StepClosed:
		return "closed"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// Field names a form input.
type Field string

const (
	FieldPhone  Field = "phone_number"
	FieldAmount Field = "amount"
)

const (
	msgCheckPhone   = "Check your phone and enter your M-Pesa PIN to complete the payment."
	msgPaid         = "Payment received. Thank you!"
	msgTimedOut     = "Verification timed out. Check your M-Pesa messages; the payment may still go through."
	msgFailedPrefix = "Payment failed"
)

// State is everything the dialog renders. The zero value is an empty form.
type State struct {
	Step Step

	Phone         string
	Amount        string
	PhoneTouched  bool
	AmountTouched bool
	PhoneError    string
	AmountError   string

	Submitting        bool
	CheckoutRequestID string
	Attempt           int
	MaxAttempts       int
	Reference         string

	// Notice is informational text; Error is shown inline as a failure.
	Notice string
	Error  string
}

// Valid reports whether both fields pass validation.
func (s State) Valid() bool {
	return validateField(FieldPhone, s.Phone) == "" && validateField(FieldAmount, s.Amount) == ""
}

// Event is an input to Reduce.
type Event interface {
	isEvent()
}

type FieldChanged struct {
	Field Field
	Value string
}

type FieldBlurred struct {
	Field Field
}

type SubmitStarted struct{}

type InitiationRejected struct {
	Message string
}

type InitiationAccepted struct {
	CheckoutRequestID string
	CustomerMessage   string
}

type PollProgress struct {
	Attempt     int
	MaxAttempts int
}

type PaymentCompleted struct {
	Reference string
}

type PaymentFailed struct {
	Message string
}

type PollTimedOut struct{}

type Closed struct{}

func (FieldChanged) isEvent()       {}
func (FieldBlurred) isEvent()       {}
func (SubmitStarted) isEvent()      {}
func (InitiationRejected) isEvent() {}
func (InitiationAccepted) isEvent() {}
func (PollProgress) isEvent()       {}
func (PaymentCompleted) isEvent()   {}
func (PaymentFailed) isEvent()      {}
func (PollTimedOut) isEvent()       {}
func (Closed) isEvent()             {}

// Reduce returns the state after e. It never mutates s.
func Reduce(s State, e Event) State {
	if s.Step == StepClosed {
		return s
	}

	switch ev := e.(type) {
	case FieldChanged:
		if s.Step != StepForm || s.Submitting {
			return s
		}
		switch ev.Field {
		case FieldPhone:
			s.Phone = ev.Value
			if s.PhoneTouched {
				s.PhoneError = validateField(FieldPhone, s.Phone)
			}
		case FieldAmount:
			s.Amount = ev.Value
			if s.AmountTouched {
				s.AmountError = validateField(FieldAmount, s.Amount)
			}
		}

	case FieldBlurred:
		switch ev.Field {
		case FieldPhone:
			s.PhoneTouched = true
			s.PhoneError = validateField(FieldPhone, s.Phone)
		case FieldAmount:
			s.AmountTouched = true
			s.AmountError = validateField(FieldAmount, s.Amount)
		}

	case SubmitStarted:
		if s.Step != StepForm || s.Submitting {
			return s
		}
		s.PhoneTouched, s.AmountTouched = true, true
		s.PhoneError = validateField(FieldPhone, s.Phone)
		s.AmountError = validateField(FieldAmount, s.Amount)
		s.Error, s.Notice = "", ""
		if s.PhoneError != "" || s.AmountError != "" {
			return s
		}
		s.Step = StepProcessing
		s.Submitting = true
		s.Attempt, s.MaxAttempts = 0, 0
		s.CheckoutRequestID, s.Reference = "", ""

	case InitiationRejected:
		s.Step = StepForm
		s.Submitting = false
		s.Error = ev.Message

	case InitiationAccepted:
		if s.Step != StepProcessing {
			return s
		}
		s.CheckoutRequestID = ev.CheckoutRequestID
		s.Notice = ev.CustomerMessage
		if s.Notice == "" {
			s.Notice = msgCheckPhone
		}

	case PollProgress:
		if s.Step != StepProcessing {
			return s
		}
		s.Attempt, s.MaxAttempts = ev.Attempt, ev.MaxAttempts
		s.Notice = fmt.Sprintf("%s (%d/%d)", msgCheckPhone, ev.Attempt, ev.MaxAttempts)

	case PaymentCompleted:
		if s.Step != StepProcessing {
			return s
		}
		s.Step = StepSuccess
		s.Submitting = false
		s.Reference = ev.Reference
		s.Notice, s.Error = msgPaid, ""

	case PaymentFailed:
		if s.Step != StepProcessing {
			return s
		}
		s.Step = StepForm
		s.Submitting = false
		s.Notice = ""
		s.Error = msgFailedPrefix
		if ev.Message != "" {
			s.Error = msgFailedPrefix + ": " + ev.Message
		}

	case PollTimedOut:
		if s.Step != StepProcessing {
			return s
		}
		s.Step = StepForm
		s.Submitting = false
		s.Notice, s.Error = msgTimedOut, ""

	case Closed:
		s.Step = StepClosed
		s.Submitting = false
	}
	return s
}

// validateField returns the message to show under the input, or "".
func validateField(f Field, value string) string {
	var err error
	switch f {
	case FieldPhone:
		err = domain.ValidatePhone(value)
	case FieldAmount:
		_, err = domain.ParseAmount(value)
	}
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		return ve.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
