package moyasar

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignatureHeader заголовок с подписью вебхука провайдера.
const SignatureHeader = "X-Moyasar-Signature"

// ValidateSignature проверяет HMAC-SHA256 подпись тела вебхука.
// Чистая функция без побочных эффектов; сравнение за константное время.
// Непрошедшее проверку событие не должно достигать функции перехода.
func ValidateSignature(rawBody []byte, signatureHeader, secret string) bool {
	if signatureHeader == "" || secret == "" {
		return false
	}

	expected, err := hex.DecodeString(signatureHeader)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	return hmac.Equal(mac.Sum(nil), expected)
}

// Sign вычисляет подпись тела вебхука (используется в тестах).
func Sign(rawBody []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}
