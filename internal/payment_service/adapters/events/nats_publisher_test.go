package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cbo-portal/golang_services/internal/payment_service/domain"
)

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	args := m.Called(ctx, subject, data)
	return args.Error(0)
}

func TestNATSPublisher_PublishTransactionEvent(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	receipt := "QCL7RT61SV"
	checkout := "ws_CO_01032024093112345678"
	txn := &domain.Transaction{
		ID:                uuid.New(),
		CheckoutRequestID: &checkout,
		Amount:            500,
		Method:            domain.MethodSTK,
		Status:            domain.StatusCompleted,
		Receipt:           &receipt,
	}

	t.Run("CompletedGoesToCompletedSubject", func(t *testing.T) {
		broker := new(MockPublisher)
		var sent []byte
		broker.On("Publish", ctx, domain.SubjectTransactionCompleted, mock.AnythingOfType("[]uint8")).
			Run(func(args mock.Arguments) { sent = args.Get(2).([]byte) }).
			Return(nil).Once()

		err := NewNATSPublisher(broker, logger).PublishTransactionEvent(ctx, domain.NewTransactionEvent(txn))
		require.NoError(t, err)
		broker.AssertExpectations(t)

		evt, err := DecodeTransactionEvent(sent)
		require.NoError(t, err)
		assert.Equal(t, txn.ID, evt.TransactionID)
		assert.Equal(t, checkout, evt.CorrelationID)
		assert.Equal(t, receipt, evt.Receipt)
		assert.Equal(t, int64(500), evt.Amount)
	})

	t.Run("FailedGoesToFailedSubject", func(t *testing.T) {
		broker := new(MockPublisher)
		failed := *txn
		failed.Status = domain.StatusFailed
		failed.Receipt = nil
		broker.On("Publish", ctx, domain.SubjectTransactionFailed, mock.Anything).Return(nil).Once()

		require.NoError(t, NewNATSPublisher(broker, logger).PublishTransactionEvent(ctx, domain.NewTransactionEvent(&failed)))
		broker.AssertExpectations(t)
	})

	t.Run("BrokerError", func(t *testing.T) {
		broker := new(MockPublisher)
		broker.On("Publish", ctx, mock.Anything, mock.Anything).Return(errors.New("nats connection is closed")).Once()

		err := NewNATSPublisher(broker, logger).PublishTransactionEvent(ctx, domain.NewTransactionEvent(txn))
		assert.EqualError(t, err, "nats connection is closed")
	})
}
