// Package tgui holds small Telegram text helpers: HTML escaping for
// ParseMode="HTML", mention links, and splitting long report pages into
// messages that fit the platform limit.
package tgui
