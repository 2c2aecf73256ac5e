// Package referralcode содержит генерацию и валидацию реферальных кодов.
package referralcode

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// Length задаёт длину публичного реферального кода.
const Length = 6

// Алфавит без нуля, единицы и похожих на них букв, чтобы код удобно диктовать.
const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Derive детерминированно выводит код из идентификатора пользователя.
// attempt = 0 даёт основной код; ненулевые значения используются
// при регенерации после коллизии уникального индекса.
func Derive(userID int64, attempt int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%d", userID, attempt)))

	buf := make([]byte, Length)
	for i := 0; i < Length; i++ {
		buf[i] = alphabet[int(sum[i])%len(alphabet)]
	}

	return string(buf)
}

// Normalize приводит пользовательский ввод кода к каноническому виду.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Valid проверяет формат кода: ровно шесть заглавных букв или цифр.
// Проверка выполняется до любого обращения к хранилищу.
func Valid(code string) bool {
	if len(code) != Length {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
