// Package telegram adapts a Telegram bot (telebot long polling) to the
// controlplane Adapter interface.
package telegram
