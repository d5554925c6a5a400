// Package tgui provides small Telegram UI helpers:
//   - Inline keyboard builders
//   - A simple, safe message builder with sensible defaults
//
// Design goals:
//   - One builder covers text + send options
//   - Safe by default for Telegram ParseMode="HTML" (auto escaping)
package tgui
