// Package validation содержит проверки контактных данных для отправки чеков.
package validation

import (
	"net/mail"
	"strings"
	"unicode"
)

// IsValidEmail проверяет, что строка является адресом электронной почты
// с доменной частью.
func IsValidEmail(address string) bool {
	if address == "" {
		return false
	}

	parsed, err := mail.ParseAddress(address)
	if err != nil {
		return false
	}

	at := strings.LastIndex(parsed.Address, "@")
	if at < 1 {
		return false
	}
	return strings.Contains(parsed.Address[at+1:], ".")
}

// IsValidPhone проверяет телефонный номер: необязательный ведущий плюс,
// от 10 до 15 цифр, разделители из пробелов, дефисов и скобок допустимы.
func IsValidPhone(number string) bool {
	number = strings.TrimSpace(number)
	number = strings.TrimPrefix(number, "+")
	if number == "" {
		return false
	}

	digits := 0
	for _, r := range number {
		switch {
		case unicode.IsDigit(r):
			digits++
		case r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return false
		}
	}

	return digits >= 10 && digits <= 15
}
