package logfields

import "log/slog"

// Canonical log field names shared across packages.
const (
	KeySession     = "session"
	KeyInstance    = "instance"
	KeyPath        = "path"
	KeyURL         = "url"
	KeyAttempt     = "attempt"
	KeyConcurrency = "concurrency"
	KeyBytes       = "bytes"
	KeyKind        = "kind"
	KeyError       = "error"
)

func Session(id string) slog.Attr    { return slog.String(KeySession, id) }
func Instance(name string) slog.Attr { return slog.String(KeyInstance, name) }
func Path(p string) slog.Attr        { return slog.String(KeyPath, p) }
func URL(u string) slog.Attr         { return slog.String(KeyURL, u) }
func Attempt(n int) slog.Attr        { return slog.Int(KeyAttempt, n) }
func Concurrency(n int) slog.Attr    { return slog.Int(KeyConcurrency, n) }
func Bytes(n int64) slog.Attr        { return slog.Int64(KeyBytes, n) }
func Kind(k string) slog.Attr        { return slog.String(KeyKind, k) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
