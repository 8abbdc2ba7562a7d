package lnutils

import (
	"encoding/hex"
	"log/slog"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog/v2"
	"github.com/davecgh/go-spew/spew"
)

// LogClosure is used to provide a closure over expensive logging operations
// so they don't have to be performed when the logging level doesn't warrant
// it.
type LogClosure func() string

// String invokes the underlying function and returns the result.
func (c LogClosure) String() string {
	return c()
}

// NewLogClosure returns a new closure over a function that returns a string.
func NewLogClosure(c func() string) LogClosure {
	return LogClosure(c)
}

// SpewLogClosure returns the spew.Sdump of a in a LogClosure. It is used for
// trace level dumps of packets and witnesses, which only ever hold public
// data.
func SpewLogClosure(a any) LogClosure {
	return func() string {
		return spew.Sdump(a)
	}
}

// LogPubKey returns a slog attribute logging the first bytes of a public key.
func LogPubKey(key string, pubKey *btcec.PublicKey) slog.Attr {
	if pubKey == nil {
		return btclog.Fmt(key, "<nil>")
	}

	return btclog.Hex6(key, pubKey.SerializeCompressed())
}

// LogPubKeyBytes is LogPubKey for an already serialized key.
func LogPubKeyBytes(key string, pubKey []byte) slog.Attr {
	if len(pubKey) == 0 {
		return btclog.Fmt(key, "<nil>")
	}

	return btclog.Hex6(key, pubKey)
}

// LogOutPoint returns a slog attribute for an outpoint.
func LogOutPoint(key string, op wire.OutPoint) slog.Attr {
	return slog.String(key, op.String())
}

// LogScript returns a slog attribute holding a hex encoded script.
func LogScript(key string, script []byte) slog.Attr {
	return slog.String(key, hex.EncodeToString(script))
}
