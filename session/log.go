package session

// Logging convention in the `session` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal
//     operation, with the exception of one time (infrequent) lifecycle data that is
//     useful for monitoring
//     this includes:
//     - join rollback, ack timeouts
//     - suppressed sends and dropped activities
// Warning:
//     best-effort operations that were skipped because a precondition did not hold
//     this includes:
//     - membership updates for unknown reference points
//     - permission changes for users already out of the session
// Error:
//     unrecoverable crash details
//     this includes:
//     - unexpected panics even if handled and suppressed for partial operation
//     - a resume that could not unblock a remote peer
// V(2):
//     key events for trace debugging and statistics
//     this includes:
//     - frequent events - e.g. per-activity queue, flush, fan-out -
//       presented with short bracketed tags that can be used to filter
