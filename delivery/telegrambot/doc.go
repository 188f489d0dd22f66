// Package telegrambot forwards delivered login codes to recipients through
// the Telegram Bot API.
//
// A [Notifier] is registered with [goIntercept.Engine.OnCodeDelivered]. It
// queues one message per recipient and sends them from its own goroutine,
// so a slow Bot API never holds up an account's message loop. Recipient ids
// are mapped to chat ids by [Options.ChatID]; the default parses the id as
// a decimal chat id.
package telegrambot
