// Package logx configures spacewatch's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional Telegram sink for operator alerts (min-level + rate limiting)
package logx
