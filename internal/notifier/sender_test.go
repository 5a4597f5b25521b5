package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/resend/resend-go/v3"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"recipebox/internal/logging"
)

func welcomeEmail() *Email {
	return &Email{
		From:    DefaultFromAddress,
		To:      []string{"ada@example.com"},
		Subject: "Your Free Restaurant Recipe Collection!",
		Text:    "Hi Ada",
		HTML:    "<p>Hi Ada</p>",
	}
}

func TestBreakerSenderOpensAfterConsecutiveFailures(t *testing.T) {
	next := new(mockSender)
	next.On("Send", mock.Anything, mock.Anything).Return(errors.New("timeout")).Times(3)

	breaker := NewBreakerSender(next, 3, time.Minute, logging.NewDiscardLogger())

	for i := 0; i < 3; i++ {
		assert.Error(t, breaker.Send(context.Background(), welcomeEmail()))
	}
	assert.Equal(t, gobreaker.StateOpen, breaker.State())

	err := breaker.Send(context.Background(), welcomeEmail())
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	next.AssertNumberOfCalls(t, "Send", 3)
}

func TestBreakerSenderPassesThroughSuccess(t *testing.T) {
	next := new(mockSender)
	next.On("Send", mock.Anything, mock.Anything).Return(nil)

	breaker := NewBreakerSender(next, 1, time.Minute, logging.NewDiscardLogger())

	require.NoError(t, breaker.Send(context.Background(), welcomeEmail()))
	assert.Equal(t, gobreaker.StateClosed, breaker.State())
}

func TestBreakerSenderFailureStillYieldsFailedOutcome(t *testing.T) {
	next := new(mockSender)
	next.On("Send", mock.Anything, mock.Anything).Return(errors.New("timeout"))

	breaker := NewBreakerSender(next, 1, time.Minute, logging.NewDiscardLogger())
	n := NewWelcomeNotifier(breaker, Config{}, logging.NewDiscardLogger())

	first := n.Notify(context.Background(), testSubscriber())
	second := n.Notify(context.Background(), testSubscriber())

	assert.Equal(t, StatusFailed, first.Status)
	assert.Equal(t, StatusFailed, second.Status)
	assert.Equal(t, gobreaker.ErrOpenState.Error(), second.Reason)
}

func newTestResendSender(t *testing.T, handler http.HandlerFunc) *ResendSender {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := resend.NewClient("re_test_key")
	baseURL, err := url.Parse(server.URL + "/")
	require.NoError(t, err)
	client.BaseURL = baseURL

	return NewResendSenderWithClient(client)
}

func TestResendSender(t *testing.T) {
	var received map[string]any
	sender := newTestResendSender(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.True(t, strings.HasSuffix(r.URL.Path, "/emails"))
		assert.Equal(t, "Bearer re_test_key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"email_123"}`))
	})

	require.NoError(t, sender.Send(context.Background(), welcomeEmail()))
	assert.Equal(t, DefaultFromAddress, received["from"])
	assert.Equal(t, "Your Free Restaurant Recipe Collection!", received["subject"])
}

func TestResendSenderAPIError(t *testing.T) {
	sender := newTestResendSender(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"statusCode":422,"name":"validation_error","message":"Invalid from address"}`))
	})

	err := sender.Send(context.Background(), welcomeEmail())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "resend")
}

func TestResendSenderRequiresRecipient(t *testing.T) {
	sender := NewResendSender("re_test_key")

	assert.ErrorIs(t, sender.Send(context.Background(), &Email{From: DefaultFromAddress}), ErrNoRecipient)
}
