// Package tokibot implements a Discord community bot that runs anonymous
// confessions and server moderation for a single community.
//
// All state lives in a handful of JSON documents under a data directory,
// read and written through a Store that serializes access per document.
// Key components of the package include:
//
//   - Bot: Wires everything together and owns the run/shutdown lifecycle.
//   - SanctionLedger: Temporary and permanent bans, reversed by a periodic sweep.
//   - ConfessionBoard: Confessions, replies, reports, deletions and confession bans.
//   - RateLimiter: Fixed-window posting limits, persisted with the board's settings.
//   - Journal: An append-only record of moderation actions.
//   - Welcome: The greeting posted when a member joins.
//   - Discord: The gateway session, slash commands and interaction responses.
//   - API: Keep-alive, health, metrics and read-only listing endpoints.
//
// The bot supports these commands:
//
//   - /confesser: Posts an anonymous confession, with reply and report buttons.
//   - /supprimer_confession: Lets the author delete their confession.
//   - /banconfession, /unbanconfession, /listbanconfession: Confession bans.
//   - /ban, /unban, /kick, /mute, /unmute: Server moderation.
//   - /c_welcome, /c_active, /c_desactive: Welcome channel and toggle.
//
// On startup, a reconciliation pass looks up the channel of confessions
// whose message location was never recorded.
package tokibot
