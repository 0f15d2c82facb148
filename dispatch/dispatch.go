// Package dispatch implements the command-processing loop shared by the
// agent and the keybox frontend: read one line, look up its verb in a
// static table, run the handler, reply, repeat. Grounded on the teacher's
// mariadb.Proxy.run()/dispatch() pair (mariadb/mariadb.go), generalized
// from a MySQL wire-protocol command byte switch to the line-oriented verb
// table this daemon's clients speak.
package dispatch

import (
	"errors"
	"io"
	"log"
	"strings"
	"time"

	"github.com/keybrokerd/keybrokerd/metrics"
	"github.com/keybrokerd/keybrokerd/session"
	"github.com/keybrokerd/keybrokerd/wire"
)

// Handler processes one command's arguments against conn/sess. A handler
// writes its own ERR/OK reply and returns nil (or the error from writing
// it). Any other non-nil error that is not ErrReplied causes the
// dispatcher to emit a generic internal error reply.
type Handler func(conn *wire.Conn, sess *session.Context, args string) error

// ErrReplied signals that the handler already wrote its own reply.
var ErrReplied = errors.New("dispatch: handler already replied")

// Table is a verb-to-handler registry, case-insensitive on the verb.
type Table struct {
	handlers map[string]Handler
	aliases  map[string]string
}

// NewTable returns an empty verb table.
func NewTable() *Table {
	return &Table{handlers: make(map[string]Handler), aliases: make(map[string]string)}
}

// Register binds verb to h.
func (t *Table) Register(verb string, h Handler) {
	t.handlers[strings.ToUpper(verb)] = h
}

// Alias makes alias resolve to the same handler as verb (e.g. SETKEY as a
// synonym of SIGKEY).
func (t *Table) Alias(alias, verb string) {
	t.aliases[strings.ToUpper(alias)] = strings.ToUpper(verb)
}

func (t *Table) lookup(verb string) (Handler, bool) {
	verb = strings.ToUpper(verb)
	if real, ok := t.aliases[verb]; ok {
		verb = real
	}
	h, ok := t.handlers[verb]
	return h, ok
}

// Serve runs the per-connection command loop until the client disconnects,
// sends BYE, or a transport error occurs. connID is included in log lines
// so multiple connections can be told apart without ever logging command
// arguments (which may carry secret material).
func Serve(connID string, conn *wire.Conn, sess *session.Context, table *Table, onReset func(*session.Context)) {
	defer sess.Close()
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()
	if err := conn.WriteOK("keybrokerd ready"); err != nil {
		return
	}
	for {
		cmd, err := conn.ReadCommand()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("[%s] read error: %v", connID, err)
			}
			return
		}

		switch cmd.Verb {
		case "BYE":
			conn.WriteOK("closing connection")
			return
		case "RESET":
			if onReset != nil {
				onReset(sess)
			}
			conn.WriteOK("")
			continue
		case "OPTION":
			handleOption(conn, sess, cmd.Args)
			continue
		case "NOP":
			conn.WriteOK("")
			continue
		}

		handler, ok := table.lookup(cmd.Verb)
		if !ok {
			conn.WriteErr(wire.CodeParameterError, "unknown command")
			continue
		}

		start := time.Now()
		err = handler(conn, sess, cmd.Args)
		metrics.CommandLatency.WithLabelValues(cmd.Verb).Observe(time.Since(start).Seconds())

		if err != nil && err != ErrReplied {
			metrics.CommandTotal.WithLabelValues(cmd.Verb, "err").Inc()
			log.Printf("[%s] verb %s: internal error", connID, cmd.Verb)
			conn.WriteErr(wire.CodeInternal, "internal error")
			continue
		}
		metrics.CommandTotal.WithLabelValues(cmd.Verb, "ok").Inc()
	}
}

// handleOption parses "KEY=VALUE" or "--KEY VALUE" and routes it to the
// session's scoped option store. Grounded on gnupg agent/command.c's
// option_handler, generalized to write into session.Context instead of a
// process-wide opt struct (see SPEC_FULL.md §9 on that redesign).
func handleOption(conn *wire.Conn, sess *session.Context, args string) {
	args = strings.TrimPrefix(args, "--")
	key, value, ok := strings.Cut(args, "=")
	if !ok {
		key, value, ok = strings.Cut(args, " ")
	}
	if !ok || key == "" {
		conn.WriteErr(wire.CodeInvalidOption, "malformed option")
		return
	}
	if err := sess.SetOption(session.OptionKey(strings.ToLower(key)), value); err != nil {
		conn.WriteErr(wire.CodeInvalidOption, "unknown option "+key)
		return
	}
	conn.WriteOK("")
}
