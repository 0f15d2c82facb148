// Package keyboxd wires a keybox.Chain into the verb handlers a keybox
// frontend client speaks: SEARCH, NEXT, STORE, DELETE, and the
// domain-stack enrichment ADD_RESOURCE. Grounded on gnupg kbx/frontend.c's
// cmd_search/cmd_store/cmd_delete trio, generalized to this daemon's
// on-the-wire verb grammar.
package keyboxd

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/keybrokerd/keybrokerd/dispatch"
	"github.com/keybrokerd/keybrokerd/keybox"
	"github.com/keybrokerd/keybrokerd/session"
	"github.com/keybrokerd/keybrokerd/wire"
)

// Deps bundles the collaborators the handlers in this package need.
type Deps struct {
	Chain *keybox.Chain
}

// Register binds every verb this package implements into table.
func Register(table *dispatch.Table, d Deps) {
	table.Register("SEARCH", d.cmdSearch)
	table.Register("NEXT", d.cmdNext)
	table.Register("STORE", d.cmdStore)
	table.Register("DELETE", d.cmdDelete)
	table.Register("ADD_RESOURCE", d.cmdAddResource)
}

// requestState returns the per-session keybox cursor, creating one on
// first use. It is stashed on session.Context.RequestState, an opaque
// field only this package interprets.
func requestState(sess *session.Context) *keybox.RequestState {
	rs, ok := sess.RequestState.(*keybox.RequestState)
	if !ok {
		rs = keybox.NewRequestState()
		sess.RequestState = rs
	}
	return rs
}

func parseSearchDescs(args string) ([]keybox.SearchDesc, bool) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return nil, false
	}
	descs := make([]keybox.SearchDesc, 0, len(fields))
	for _, f := range fields {
		if len(f) != 40 {
			return nil, false
		}
		raw, err := hex.DecodeString(f)
		if err != nil {
			return nil, false
		}
		var ubid keybox.UBID
		copy(ubid[:], raw)
		descs = append(descs, keybox.SearchDesc{UBID: ubid})
	}
	return descs, true
}

func (d Deps) reportSearch(conn *wire.Conn, sess *session.Context, desc []keybox.SearchDesc, reset bool) error {
	res, err := d.Chain.Search(requestState(sess), desc, reset)
	if err != nil {
		return searchErr(conn, err)
	}
	if err := conn.WriteStatus("FOUND", hex.EncodeToString(res.UBID[:])); err != nil {
		return err
	}
	if err := conn.WriteData(res.Blob); err != nil {
		return err
	}
	return conn.WriteOK("")
}

// cmdSearch handles "SEARCH <40-hex-ubid> ...", always starting a fresh
// scan (reset=true) before running the first lookup.
func (d Deps) cmdSearch(conn *wire.Conn, sess *session.Context, args string) error {
	desc, ok := parseSearchDescs(args)
	if !ok {
		return conn.WriteErr(wire.CodeParameterError, "invalid search descriptor")
	}
	return d.reportSearch(conn, sess, desc, true)
}

// cmdNext resumes the scan from the previous SEARCH's descriptor set
// without resetting the cursor.
func (d Deps) cmdNext(conn *wire.Conn, sess *session.Context, args string) error {
	rs := requestState(sess)
	desc := rs.LastDesc()
	if desc == nil {
		return conn.WriteErr(wire.CodeParameterError, "no prior SEARCH")
	}
	return d.reportSearch(conn, sess, desc, false)
}

func parseStoreMode(s string) (keybox.StoreMode, bool) {
	switch strings.ToUpper(s) {
	case "ANY":
		return keybox.StoreAny, true
	case "INSERT":
		return keybox.StoreInsertOnly, true
	case "UPDATE":
		return keybox.StoreUpdateOnly, true
	default:
		return 0, false
	}
}

// cmdStore handles "STORE <mode> <hex-blob>".
func (d Deps) cmdStore(conn *wire.Conn, sess *session.Context, args string) error {
	modeStr, blobHex, ok := strings.Cut(strings.TrimSpace(args), " ")
	if !ok {
		return conn.WriteErr(wire.CodeParameterError, "missing blob")
	}
	mode, ok := parseStoreMode(modeStr)
	if !ok {
		return conn.WriteErr(wire.CodeParameterError, "invalid store mode")
	}
	blob, err := hex.DecodeString(strings.TrimSpace(blobHex))
	if err != nil {
		return conn.WriteErr(wire.CodeParameterError, "invalid hex blob")
	}
	if err := d.Chain.Store(blob, mode); err != nil {
		return storeErr(conn, err)
	}
	return conn.WriteOK("")
}

// cmdDelete handles "DELETE <40-hex-ubid>".
func (d Deps) cmdDelete(conn *wire.Conn, sess *session.Context, args string) error {
	args = strings.TrimSpace(args)
	if len(args) != 40 {
		return conn.WriteErr(wire.CodeParameterError, "invalid ubid")
	}
	raw, err := hex.DecodeString(args)
	if err != nil {
		return conn.WriteErr(wire.CodeParameterError, "invalid ubid")
	}
	var ubid keybox.UBID
	copy(ubid[:], raw)
	if err := d.Chain.Delete(ubid); err != nil {
		return storeErr(conn, err)
	}
	return conn.WriteOK("")
}

// cmdAddResource handles "ADD_RESOURCE <path-or-dsn> [--readonly]".
// Arguments after the target, --readonly included, are ignored: the
// backend is always mounted writable.
func (d Deps) cmdAddResource(conn *wire.Conn, sess *session.Context, args string) error {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return conn.WriteErr(wire.CodeParameterError, "missing resource")
	}
	target := fields[0]

	backend, kind, err := openBackend(target)
	if err != nil {
		return conn.WriteErr(wire.CodeUnsupported, err.Error())
	}
	idx := d.Chain.AddResource(kind, backend)
	return conn.WriteOK("resource " + strconv.Itoa(idx) + " added")
}

func openBackend(target string) (keybox.Backend, keybox.Kind, error) {
	switch {
	case strings.HasPrefix(target, "mysql://"),
		strings.HasPrefix(target, "postgres://"),
		strings.HasPrefix(target, "sqlite://"):
		b, err := keybox.OpenSQLBackend(target)
		return b, keybox.KindSQL, err
	case strings.HasSuffix(target, ".kbx"):
		b, err := keybox.OpenFileBackend(target)
		return b, keybox.KindOnDisk, err
	default:
		return nil, keybox.KindEmpty, keybox.ErrUnsupported
	}
}

func searchErr(conn *wire.Conn, err error) error {
	switch err {
	case keybox.ErrNotFound:
		return conn.WriteErr(wire.CodeNotFound, "not found")
	case keybox.ErrNotInitialized:
		return conn.WriteErr(wire.CodeNotInitialized, "")
	default:
		return conn.WriteErr(wire.CodeInternal, err.Error())
	}
}

func storeErr(conn *wire.Conn, err error) error {
	switch err {
	case keybox.ErrConflict:
		return conn.WriteErr(wire.CodeConflict, "conflict")
	case keybox.ErrNotFound:
		return conn.WriteErr(wire.CodeNotFound, "not found")
	case keybox.ErrNotInitialized:
		return conn.WriteErr(wire.CodeNotInitialized, "")
	default:
		return conn.WriteErr(wire.CodeInternal, err.Error())
	}
}
