// Package tgui provides small Telegram reply helpers:
//   - HTML escaping and tag helpers for ParseMode="HTML"
//   - A message builder that sends through a tenant deliverer
//   - Paging for long owner lists
package tgui
