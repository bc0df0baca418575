package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mailcore-dev/mailcore/internal/dkim"
	"github.com/mailcore-dev/mailcore/internal/model"
	"github.com/mailcore-dev/mailcore/internal/repository/postgres"
	"github.com/mailcore-dev/mailcore/internal/smtpclient"
)

// --- local mocks, mirroring the repository interfaces ---

type mockMessageRepo struct{ mock.Mock }

func (m *mockMessageRepo) Create(ctx context.Context, msg *model.Message) error {
	return m.Called(ctx, msg).Error(0)
}
func (m *mockMessageRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Message, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Message), args.Error(1)
}
func (m *mockMessageRepo) GetByAPIKeyAndIdempotencyKey(ctx context.Context, apiKeyID uuid.UUID, key string) (*model.Message, error) {
	args := m.Called(ctx, apiKeyID, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Message), args.Error(1)
}
func (m *mockMessageRepo) GetByAPIKeyAndID(ctx context.Context, apiKeyID, id uuid.UUID) (*model.Message, error) {
	args := m.Called(ctx, apiKeyID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Message), args.Error(1)
}
func (m *mockMessageRepo) List(ctx context.Context, apiKeyID uuid.UUID, limit, offset int) ([]model.Message, int, error) {
	args := m.Called(ctx, apiKeyID, limit, offset)
	return args.Get(0).([]model.Message), args.Int(1), args.Error(2)
}
func (m *mockMessageRepo) Update(ctx context.Context, msg *model.Message) error {
	return m.Called(ctx, msg).Error(0)
}
func (m *mockMessageRepo) ClaimNext(ctx context.Context) (*model.Message, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Message), args.Error(1)
}
func (m *mockMessageRepo) ResetStaleProcessing(ctx context.Context, olderThan time.Duration) (int64, error) {
	args := m.Called(ctx, olderThan)
	return args.Get(0).(int64), args.Error(1)
}

type mockDomainRepo struct{ mock.Mock }

func (m *mockDomainRepo) Create(ctx context.Context, domain *model.Domain) error {
	return m.Called(ctx, domain).Error(0)
}
func (m *mockDomainRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Domain, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Domain), args.Error(1)
}
func (m *mockDomainRepo) GetByAPIKeyAndID(ctx context.Context, apiKeyID, id uuid.UUID) (*model.Domain, error) {
	args := m.Called(ctx, apiKeyID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Domain), args.Error(1)
}
func (m *mockDomainRepo) GetByAPIKeyAndName(ctx context.Context, apiKeyID uuid.UUID, name string) (*model.Domain, error) {
	args := m.Called(ctx, apiKeyID, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Domain), args.Error(1)
}
func (m *mockDomainRepo) GetVerifiedByName(ctx context.Context, name string) (*model.Domain, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Domain), args.Error(1)
}
func (m *mockDomainRepo) List(ctx context.Context, apiKeyID uuid.UUID, limit, offset int) ([]model.Domain, int, error) {
	args := m.Called(ctx, apiKeyID, limit, offset)
	return args.Get(0).([]model.Domain), args.Int(1), args.Error(2)
}
func (m *mockDomainRepo) Update(ctx context.Context, domain *model.Domain) error {
	return m.Called(ctx, domain).Error(0)
}
func (m *mockDomainRepo) Delete(ctx context.Context, id uuid.UUID) error {
	return m.Called(ctx, id).Error(0)
}

type mockSuppressionRepo struct{ mock.Mock }

func (m *mockSuppressionRepo) Create(ctx context.Context, entry *model.SuppressionEntry) error {
	return m.Called(ctx, entry).Error(0)
}
func (m *mockSuppressionRepo) Upsert(ctx context.Context, entry *model.SuppressionEntry) error {
	return m.Called(ctx, entry).Error(0)
}
func (m *mockSuppressionRepo) GetByAPIKeyAndEmail(ctx context.Context, apiKeyID uuid.UUID, email string) (*model.SuppressionEntry, error) {
	args := m.Called(ctx, apiKeyID, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.SuppressionEntry), args.Error(1)
}
func (m *mockSuppressionRepo) ListByAPIKeyID(ctx context.Context, apiKeyID uuid.UUID, limit, offset int) ([]model.SuppressionEntry, int, error) {
	args := m.Called(ctx, apiKeyID, limit, offset)
	return args.Get(0).([]model.SuppressionEntry), args.Int(1), args.Error(2)
}
func (m *mockSuppressionRepo) Delete(ctx context.Context, id uuid.UUID) error {
	return m.Called(ctx, id).Error(0)
}

type mockSender struct{ mock.Mock }

func (m *mockSender) Send(ctx context.Context, msg *smtpclient.OutgoingMessage) (*smtpclient.SendResult, error) {
	args := m.Called(ctx, msg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*smtpclient.SendResult), args.Error(1)
}

type mockWebhookEnqueuer struct{ mock.Mock }

func (m *mockWebhookEnqueuer) Dispatch(ctx context.Context, apiKeyID uuid.UUID, event string, messageID *uuid.UUID, fields map[string]interface{}) {
	m.Called(ctx, apiKeyID, event, messageID, fields)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMessage() *model.Message {
	return &model.Message{
		ID:          uuid.New(),
		APIKeyID:    uuid.New(),
		Status:      model.MessageStatusProcessing,
		FromAddress: "sender@example.com",
		ToAddress:   "Recipient@Example.com",
		Attempts:    0,
	}
}

func TestWorker_SuppressedRecipient_RejectsWithoutSending(t *testing.T) {
	messages := new(mockMessageRepo)
	domains := new(mockDomainRepo)
	suppressions := new(mockSuppressionRepo)
	sender := new(mockSender)
	webhooks := new(mockWebhookEnqueuer)

	msg := newTestMessage()
	suppressions.On("GetByAPIKeyAndEmail", mock.Anything, msg.APIKeyID, "recipient@example.com").
		Return(&model.SuppressionEntry{Reason: model.SuppressionHardBounce}, nil)
	messages.On("Update", mock.Anything, mock.MatchedBy(func(m *model.Message) bool {
		return m.Status == model.MessageStatusRejected
	})).Return(nil)

	w := New(messages, domains, suppressions, sender, dkim.NewCache(time.Minute), webhooks, Config{}, testLogger())
	w.process(context.Background(), msg)

	sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	webhooks.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	messages.AssertExpectations(t)
}

func TestWorker_SendSuccess_MarksSentAndDispatchesWebhook(t *testing.T) {
	messages := new(mockMessageRepo)
	domains := new(mockDomainRepo)
	suppressions := new(mockSuppressionRepo)
	sender := new(mockSender)
	webhooks := new(mockWebhookEnqueuer)

	msg := newTestMessage()
	suppressions.On("GetByAPIKeyAndEmail", mock.Anything, msg.APIKeyID, "recipient@example.com").
		Return(nil, postgres.ErrNotFound)
	domains.On("GetByAPIKeyAndName", mock.Anything, msg.APIKeyID, "example.com").
		Return(nil, postgres.ErrNotFound)
	sender.On("Send", mock.Anything, mock.Anything).
		Return(&smtpclient.SendResult{SMTPMessageID: "250 OK"}, nil)
	messages.On("Update", mock.Anything, mock.MatchedBy(func(m *model.Message) bool {
		return m.Status == model.MessageStatusSent && m.SentAt != nil
	})).Return(nil)
	webhooks.On("Dispatch", mock.Anything, msg.APIKeyID, model.EventMessageSent, &msg.ID, mock.Anything).Return()

	w := New(messages, domains, suppressions, sender, dkim.NewCache(time.Minute), webhooks, Config{}, testLogger())
	w.process(context.Background(), msg)

	messages.AssertExpectations(t)
	webhooks.AssertExpectations(t)
}

func TestWorker_RetryableFailure_RequeuesWithoutWebhook(t *testing.T) {
	messages := new(mockMessageRepo)
	domains := new(mockDomainRepo)
	suppressions := new(mockSuppressionRepo)
	sender := new(mockSender)
	webhooks := new(mockWebhookEnqueuer)

	msg := newTestMessage()
	suppressions.On("GetByAPIKeyAndEmail", mock.Anything, msg.APIKeyID, "recipient@example.com").
		Return(nil, postgres.ErrNotFound)
	domains.On("GetByAPIKeyAndName", mock.Anything, msg.APIKeyID, "example.com").
		Return(nil, postgres.ErrNotFound)
	sender.On("Send", mock.Anything, mock.Anything).
		Return(nil, &smtpclient.SendError{Kind: smtpclient.KindTemporary, Code: 451, Message: "try again"})
	messages.On("Update", mock.Anything, mock.MatchedBy(func(m *model.Message) bool {
		return m.Status == model.MessageStatusQueued && m.Attempts == 1
	})).Return(nil)

	w := New(messages, domains, suppressions, sender, dkim.NewCache(time.Minute), webhooks, Config{MaxRetries: 3}, testLogger())
	w.process(context.Background(), msg)

	webhooks.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	messages.AssertExpectations(t)
}

func TestWorker_RetriesExhausted_TerminalFailed(t *testing.T) {
	messages := new(mockMessageRepo)
	domains := new(mockDomainRepo)
	suppressions := new(mockSuppressionRepo)
	sender := new(mockSender)
	webhooks := new(mockWebhookEnqueuer)

	msg := newTestMessage()
	msg.Attempts = 2 // one more failure hits MaxRetries=3
	suppressions.On("GetByAPIKeyAndEmail", mock.Anything, msg.APIKeyID, "recipient@example.com").
		Return(nil, postgres.ErrNotFound)
	domains.On("GetByAPIKeyAndName", mock.Anything, msg.APIKeyID, "example.com").
		Return(nil, postgres.ErrNotFound)
	sender.On("Send", mock.Anything, mock.Anything).
		Return(nil, &smtpclient.SendError{Kind: smtpclient.KindTemporary, Code: 451, Message: "try again"})
	messages.On("Update", mock.Anything, mock.MatchedBy(func(m *model.Message) bool {
		return m.Status == model.MessageStatusFailed && m.Attempts == 3 && m.FailedAt != nil
	})).Return(nil)
	webhooks.On("Dispatch", mock.Anything, msg.APIKeyID, model.EventMessageFailed, &msg.ID, mock.Anything).Return()

	w := New(messages, domains, suppressions, sender, dkim.NewCache(time.Minute), webhooks, Config{MaxRetries: 3}, testLogger())
	w.process(context.Background(), msg)

	messages.AssertExpectations(t)
	webhooks.AssertExpectations(t)
}

func TestWorker_MaxRetriesZero_FirstFailureIsTerminal(t *testing.T) {
	messages := new(mockMessageRepo)
	domains := new(mockDomainRepo)
	suppressions := new(mockSuppressionRepo)
	sender := new(mockSender)
	webhooks := new(mockWebhookEnqueuer)

	msg := newTestMessage()
	suppressions.On("GetByAPIKeyAndEmail", mock.Anything, msg.APIKeyID, "recipient@example.com").
		Return(nil, postgres.ErrNotFound)
	domains.On("GetByAPIKeyAndName", mock.Anything, msg.APIKeyID, "example.com").
		Return(nil, postgres.ErrNotFound)
	sender.On("Send", mock.Anything, mock.Anything).
		Return(nil, &smtpclient.SendError{Kind: smtpclient.KindTemporary, Code: 451, Message: "try again"})
	messages.On("Update", mock.Anything, mock.MatchedBy(func(m *model.Message) bool {
		return m.Status == model.MessageStatusFailed && m.Attempts == 1 && m.FailedAt != nil
	})).Return(nil)
	webhooks.On("Dispatch", mock.Anything, msg.APIKeyID, model.EventMessageFailed, &msg.ID, mock.Anything).Return()

	// MaxRetries: 0 must not be coerced to the default — the first failure,
	// even a retryable one, is terminal.
	w := New(messages, domains, suppressions, sender, dkim.NewCache(time.Minute), webhooks, Config{MaxRetries: 0}, testLogger())
	w.process(context.Background(), msg)

	messages.AssertExpectations(t)
	webhooks.AssertExpectations(t)
}

func TestWorker_HardBounce_SuppressesAndEmitsBounced(t *testing.T) {
	messages := new(mockMessageRepo)
	domains := new(mockDomainRepo)
	suppressions := new(mockSuppressionRepo)
	sender := new(mockSender)
	webhooks := new(mockWebhookEnqueuer)

	msg := newTestMessage()
	suppressions.On("GetByAPIKeyAndEmail", mock.Anything, msg.APIKeyID, "recipient@example.com").
		Return(nil, postgres.ErrNotFound)
	domains.On("GetByAPIKeyAndName", mock.Anything, msg.APIKeyID, "example.com").
		Return(nil, postgres.ErrNotFound)
	sender.On("Send", mock.Anything, mock.Anything).
		Return(nil, &smtpclient.SendError{Kind: smtpclient.KindPermanent, Code: 550, Message: "mailbox unavailable", HardBounce: true})
	messages.On("Update", mock.Anything, mock.MatchedBy(func(m *model.Message) bool {
		return m.Status == model.MessageStatusFailed
	})).Return(nil)
	suppressions.On("Upsert", mock.Anything, mock.MatchedBy(func(e *model.SuppressionEntry) bool {
		return e.Email == "recipient@example.com" && e.Reason == model.SuppressionHardBounce
	})).Return(nil)
	webhooks.On("Dispatch", mock.Anything, msg.APIKeyID, model.EventMessageBounced, &msg.ID, mock.MatchedBy(func(fields map[string]interface{}) bool {
		return fields["bounceType"] == "hard" && fields["bounceCode"] == 550
	})).Return()

	w := New(messages, domains, suppressions, sender, dkim.NewCache(time.Minute), webhooks, Config{MaxRetries: 3}, testLogger())
	w.process(context.Background(), msg)

	messages.AssertExpectations(t)
	suppressions.AssertExpectations(t)
	webhooks.AssertExpectations(t)
}

func TestWorker_DKIM_UsesVerifiedDomainKey(t *testing.T) {
	messages := new(mockMessageRepo)
	domains := new(mockDomainRepo)
	suppressions := new(mockSuppressionRepo)
	sender := new(mockSender)
	webhooks := new(mockWebhookEnqueuer)

	msg := newTestMessage()
	masterKey := []byte("0123456789abcdef0123456789abcdef")
	encrypted, err := dkim.EncryptPrivateKey("pem-bytes", masterKey)
	assert.NoError(t, err)
	dom := &model.Domain{Status: model.DomainStatusVerified, DKIMSelector: "mailcore", DKIMPrivateKey: &encrypted}

	suppressions.On("GetByAPIKeyAndEmail", mock.Anything, msg.APIKeyID, "recipient@example.com").
		Return(nil, postgres.ErrNotFound)
	domains.On("GetByAPIKeyAndName", mock.Anything, msg.APIKeyID, "example.com").
		Return(dom, nil)
	sender.On("Send", mock.Anything, mock.MatchedBy(func(m *smtpclient.OutgoingMessage) bool {
		return m.DKIMDomain == "example.com" && m.DKIMSelector == "mailcore" && m.DKIMKey == "pem-bytes"
	})).Return(&smtpclient.SendResult{SMTPMessageID: "250 OK"}, nil)
	messages.On("Update", mock.Anything, mock.Anything).Return(nil)
	webhooks.On("Dispatch", mock.Anything, msg.APIKeyID, model.EventMessageSent, &msg.ID, mock.Anything).Return()

	w := New(messages, domains, suppressions, sender, dkim.NewCache(time.Minute), webhooks, Config{DKIMMasterKey: masterKey}, testLogger())
	w.process(context.Background(), msg)

	sender.AssertExpectations(t)
}

func TestWorker_DKIM_UnverifiedDomainSendsUnsigned(t *testing.T) {
	messages := new(mockMessageRepo)
	domains := new(mockDomainRepo)
	suppressions := new(mockSuppressionRepo)
	sender := new(mockSender)
	webhooks := new(mockWebhookEnqueuer)

	msg := newTestMessage()
	dom := &model.Domain{Status: model.DomainStatusPending}

	suppressions.On("GetByAPIKeyAndEmail", mock.Anything, msg.APIKeyID, "recipient@example.com").
		Return(nil, postgres.ErrNotFound)
	domains.On("GetByAPIKeyAndName", mock.Anything, msg.APIKeyID, "example.com").
		Return(dom, nil)
	sender.On("Send", mock.Anything, mock.MatchedBy(func(m *smtpclient.OutgoingMessage) bool {
		return m.DKIMKey == ""
	})).Return(&smtpclient.SendResult{SMTPMessageID: "250 OK"}, nil)
	messages.On("Update", mock.Anything, mock.Anything).Return(nil)
	webhooks.On("Dispatch", mock.Anything, msg.APIKeyID, model.EventMessageSent, &msg.ID, mock.Anything).Return()

	w := New(messages, domains, suppressions, sender, dkim.NewCache(time.Minute), webhooks, Config{}, testLogger())
	w.process(context.Background(), msg)

	sender.AssertExpectations(t)
}

func TestExtractDomain(t *testing.T) {
	assert.Equal(t, "example.com", extractDomain("User@Example.com"))
	assert.Equal(t, "", extractDomain("no-at-sign"))
	assert.Equal(t, "", extractDomain("trailing@"))
}

func TestClaimAndProcessOne_NothingToClaim(t *testing.T) {
	messages := new(mockMessageRepo)
	messages.On("ClaimNext", mock.Anything).Return(nil, nil)

	w := New(messages, new(mockDomainRepo), new(mockSuppressionRepo), new(mockSender), dkim.NewCache(time.Minute), new(mockWebhookEnqueuer), Config{}, testLogger())
	ok, err := w.ClaimAndProcessOne(context.Background())

	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClaimAndProcessOne_PropagatesClaimError(t *testing.T) {
	messages := new(mockMessageRepo)
	messages.On("ClaimNext", mock.Anything).Return(nil, fmt.Errorf("connection lost"))

	w := New(messages, new(mockDomainRepo), new(mockSuppressionRepo), new(mockSender), dkim.NewCache(time.Minute), new(mockWebhookEnqueuer), Config{}, testLogger())
	_, err := w.ClaimAndProcessOne(context.Background())

	require.Error(t, err)
}
