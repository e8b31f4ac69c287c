package logger

import "log/slog"

// Standard field keys for structured logging across the queue and
// transfer engine. Use these consistently so log lines can be filtered
// and aggregated by bundle, file, user, or connection.
const (
	// Tracing
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// Queue entities
	KeyBundleToken = "bundle_token"
	KeyBundleName  = "bundle_name"
	KeyFileToken   = "file_token"
	KeyPath        = "path"
	KeyTTH         = "tth"
	KeyPriority    = "priority"
	KeyStatus      = "status"

	// Users, hubs, connections
	KeyUser      = "user"
	KeyHub       = "hub"
	KeyConnToken = "conn_token"
	KeyUDPAddr   = "udp_addr"

	// Transfer
	KeySegmentStart = "segment_start"
	KeySegmentSize  = "segment_size"
	KeyBlockSize    = "block_size"
	KeyDownloadType = "download_type"
	KeySpeed        = "speed_bps"
	KeyBytesDone    = "bytes_done"

	// Operation metadata
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyReason     = "reason"
	KeyOperation  = "operation"
)

// Err returns a slog.Attr for an error, or the zero Attr if err is nil
// so it can be passed unconditionally and dropped silently.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Bundle returns a slog.Attr identifying a bundle by token.
func Bundle(token uint32) slog.Attr {
	return slog.Uint64(KeyBundleToken, uint64(token))
}

// User returns a slog.Attr identifying a remote peer.
func User(cid string) slog.Attr {
	return slog.String(KeyUser, cid)
}
