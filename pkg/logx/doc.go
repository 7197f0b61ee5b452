// Package logx is promobot's structured logging layer.
//
// Logger wraps zerolog with typed field helpers and stays live across
// Service.Apply calls, so a config reload can swap levels and sinks without
// handing new loggers to every component. Sinks:
//   - console (short timestamp, file:line caller)
//   - JSON file (append)
//   - operator chat (min-level, rate limited, never blocks the caller)
package logx
