package moyasar

import (
	"testing"

	"github.com/eduplatform/billing-service/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestValidateSignature(t *testing.T) {
	body := []byte(`{"eventId":"evt_1","providerPaymentId":"pay_1","status":"paid"}`)
	secret := "whsec_test"

	t.Run("valid signature accepted", func(t *testing.T) {
		assert.True(t, ValidateSignature(body, Sign(body, secret), secret))
	})

	t.Run("wrong secret rejected", func(t *testing.T) {
		assert.False(t, ValidateSignature(body, Sign(body, "other"), secret))
	})

	t.Run("tampered body rejected", func(t *testing.T) {
		sig := Sign(body, secret)
		tampered := []byte(`{"eventId":"evt_1","providerPaymentId":"pay_1","status":"failed"}`)
		assert.False(t, ValidateSignature(tampered, sig, secret))
	})

	t.Run("empty signature rejected", func(t *testing.T) {
		assert.False(t, ValidateSignature(body, "", secret))
	})

	t.Run("empty secret rejected", func(t *testing.T) {
		assert.False(t, ValidateSignature(body, Sign(body, secret), ""))
	})

	t.Run("non-hex signature rejected", func(t *testing.T) {
		assert.False(t, ValidateSignature(body, "not-hex!", secret))
	})
}

func TestParseWebhook(t *testing.T) {
	t.Run("valid payload", func(t *testing.T) {
		payload, outcome, err := ParseWebhook([]byte(`{"eventId":"evt_1","providerPaymentId":"pay_1","status":"paid","amount":9900,"currency":"SAR"}`))
		assert.NoError(t, err)
		assert.Equal(t, "evt_1", payload.EventID)
		assert.Equal(t, "pay_1", payload.ProviderPaymentID)
		assert.Equal(t, domain.PaymentOutcomePaid, outcome)
	})

	t.Run("missing event id", func(t *testing.T) {
		_, _, err := ParseWebhook([]byte(`{"providerPaymentId":"pay_1","status":"paid"}`))
		assert.Error(t, err)
	})

	t.Run("not json", func(t *testing.T) {
		_, _, err := ParseWebhook([]byte(`hello`))
		assert.Error(t, err)
	})

	t.Run("unknown status", func(t *testing.T) {
		_, _, err := ParseWebhook([]byte(`{"eventId":"evt_1","providerPaymentId":"pay_1","status":"imploded"}`))
		assert.Error(t, err)
	})
}
