// Package notify — доставка run-уведомлений внешним подписчикам.
//
// Wire-формат: HTTP POST с заголовком X-Trigger-Signature-256 —
// hex HMAC-SHA256 от сырого JSON-тела, ключ — API-ключ окружения.
// Не-2xx ответ — ошибка доставки, о которой сообщается вызывающему;
// внутренних retry здесь нет.
package notify
