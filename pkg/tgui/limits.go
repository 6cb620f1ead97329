package tgui

// MaxMessageLen is Telegram's text message limit in UTF-16 code units. We
// count runes, which never undercounts for BMP text.
const MaxMessageLen = 4096
