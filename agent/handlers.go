// Package agent wires the wire codec, session state, trust list, passphrase
// cache, and crypto oracle into the verb handlers a credential-agent client
// speaks: ISTRUSTED, LISTTRUSTED, MARKTRUSTED, HAVEKEY, SIGKEY/SETKEY,
// SETHASH, PKSIGN, PKDECRYPT, GENKEY, GET_PASSPHRASE, CLEAR_PASSPHRASE, and
// LEARN. Grounded on gnupg agent/command.c's cmd_* functions, one handler
// per verb registered against a dispatch.Table.
package agent

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/keybrokerd/keybrokerd/dispatch"
	"github.com/keybrokerd/keybrokerd/metrics"
	"github.com/keybrokerd/keybrokerd/oracle"
	"github.com/keybrokerd/keybrokerd/passphrase"
	"github.com/keybrokerd/keybrokerd/secret"
	"github.com/keybrokerd/keybrokerd/session"
	"github.com/keybrokerd/keybrokerd/trust"
	"github.com/keybrokerd/keybrokerd/wire"
)

const (
	maxCiphertextLen = 4096
	maxKeyParamLen   = 1024
)

// AskService is the external collaborator GET_PASSPHRASE and MARKTRUSTED
// call out to for anything requiring a human in the loop. It is a seam, not
// a pinentry reimplementation: SPEC_FULL.md treats the prompting UI as
// external to the daemon itself.
type AskService interface {
	// AskPassphrase prompts with desc/prompt/errtext (any may be empty)
	// and returns what the user typed.
	AskPassphrase(desc, prompt, errtext string) (string, error)

	// Confirm asks the user whether fpr (shown alongside displayName, if
	// any) should be added to the trust list. MARKTRUSTED only appends
	// when this returns (true, nil).
	Confirm(fpr, displayName string) (bool, error)
}

// Deps bundles the collaborators every handler in this package needs.
type Deps struct {
	Trust      *trust.List
	Passphrase *passphrase.Cache
	Oracle     oracle.Oracle
	Ask        AskService
}

// Register binds every verb this package implements into table.
func Register(table *dispatch.Table, d Deps) {
	table.Register("ISTRUSTED", d.cmdIsTrusted)
	table.Register("LISTTRUSTED", d.cmdListTrusted)
	table.Register("MARKTRUSTED", d.cmdMarkTrusted)
	table.Register("HAVEKEY", d.cmdHaveKey)
	table.Register("SIGKEY", d.cmdSigKey)
	table.Alias("SETKEY", "SIGKEY")
	table.Register("SETHASH", d.cmdSetHash)
	table.Register("PKSIGN", d.cmdPkSign)
	table.Register("PKDECRYPT", d.cmdPkDecrypt)
	table.Register("GENKEY", d.cmdGenKey)
	table.Register("GET_PASSPHRASE", d.cmdGetPassphrase)
	table.Register("CLEAR_PASSPHRASE", d.cmdClearPassphrase)
	table.Register("LEARN", d.cmdLearn)
}

// parseFingerprint accepts 40 or 32 hex digits, canonicalizing the latter.
func parseFingerprint(s string) (string, bool) {
	return trust.Canonicalize(strings.TrimSpace(s))
}

func (d Deps) cmdIsTrusted(conn *wire.Conn, sess *session.Context, args string) error {
	fpr, ok := parseFingerprint(args)
	if !ok {
		return conn.WriteErr(wire.CodeParameterError, "invalid fingerprint")
	}
	if !d.Trust.IsTrusted(fpr) {
		return conn.WriteErr(wire.CodeNotTrusted, "")
	}
	return conn.WriteOK("")
}

func (d Deps) cmdListTrusted(conn *wire.Conn, sess *session.Context, args string) error {
	var werr error
	d.Trust.Each(func(e trust.Entry) {
		if werr != nil {
			return
		}
		werr = conn.WriteStatus("TRUSTED", e.Fingerprint+" "+string(e.Flag)+" "+e.DisplayName)
	})
	if werr != nil {
		return werr
	}
	return conn.WriteOK("")
}

func (d Deps) cmdMarkTrusted(conn *wire.Conn, sess *session.Context, args string) error {
	fields := strings.SplitN(args, " ", 3)
	if len(fields) < 2 {
		return conn.WriteErr(wire.CodeParameterError, "invalid flag - must be P or S")
	}
	fpr, ok := parseFingerprint(fields[0])
	if !ok {
		return conn.WriteErr(wire.CodeParameterError, "invalid fingerprint")
	}
	flagStr := strings.TrimSpace(fields[1])
	if len(flagStr) != 1 || (flagStr[0] != 'S' && flagStr[0] != 'P') {
		return conn.WriteErr(wire.CodeParameterError, "invalid flag - must be P or S")
	}
	var displayName string
	if len(fields) == 3 {
		displayName = strings.TrimSpace(fields[2])
	}
	ok, err := d.Ask.Confirm(fpr, displayName)
	if err != nil {
		return conn.WriteErr(wire.CodeInternal, err.Error())
	}
	if !ok {
		return conn.WriteErr(wire.CodeNotConfirmed, "not confirmed")
	}
	if err := d.Trust.MarkTrusted(fpr, trust.Flag(flagStr[0]), displayName); err != nil {
		return conn.WriteErr(wire.CodeParameterError, err.Error())
	}
	return conn.WriteOK("")
}

func parseKeygrip(s string) ([20]byte, bool) {
	var grip [20]byte
	s = strings.TrimSpace(s)
	if len(s) != 40 {
		return grip, false
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return grip, false
	}
	copy(grip[:], raw)
	return grip, true
}

func (d Deps) cmdHaveKey(conn *wire.Conn, sess *session.Context, args string) error {
	grip, ok := parseKeygrip(args)
	if !ok {
		return conn.WriteErr(wire.CodeParameterError, "invalid length of keygrip")
	}
	if !d.Oracle.HaveKey(grip) {
		return conn.WriteErr(wire.CodeNoSecretKey, "")
	}
	return conn.WriteOK("")
}

func (d Deps) cmdSigKey(conn *wire.Conn, sess *session.Context, args string) error {
	grip, ok := parseKeygrip(args)
	if !ok {
		return conn.WriteErr(wire.CodeParameterError, "invalid length of keygrip")
	}
	sess.SetKeygrip(grip)
	return conn.WriteOK("")
}

// cmdSetHash parses "SETHASH <algonumber> <hexstring>".
func (d Deps) cmdSetHash(conn *wire.Conn, sess *session.Context, args string) error {
	algoStr, hexStr, ok := strings.Cut(strings.TrimSpace(args), " ")
	if !ok {
		return conn.WriteErr(wire.CodeParameterError, "missing hash value")
	}
	algo, err := strconv.Atoi(algoStr)
	if err != nil || algo <= 0 {
		return conn.WriteErr(wire.CodeUnsupportedAlgo, "")
	}
	hexStr = strings.TrimSpace(hexStr)
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return conn.WriteErr(wire.CodeParameterError, "invalid hexstring")
	}
	if !session.IsAllowedDigestLength(len(raw)) {
		return conn.WriteErr(wire.CodeParameterError, "unsupported length of hash")
	}
	sess.SetDigest(algo, raw)
	return conn.WriteOK("")
}

func (d Deps) cmdPkSign(conn *wire.Conn, sess *session.Context, args string) error {
	if !sess.HaveKeygrip {
		return conn.WriteErr(wire.CodeNoSecretKey, "no key selected")
	}
	if sess.Digest.Length == 0 {
		return conn.WriteErr(wire.CodeParameterError, "no hash set")
	}
	sig, err := d.Oracle.Sign(sess.Keygrip, sess.Digest.Algo, sess.Digest.Bytes[:sess.Digest.Length])
	if err != nil {
		return oracleErr(conn, err)
	}
	if err := conn.WriteData(sig); err != nil {
		return err
	}
	return conn.WriteOK("")
}

func (d Deps) cmdPkDecrypt(conn *wire.Conn, sess *session.Context, args string) error {
	if !sess.HaveKeygrip {
		return conn.WriteErr(wire.CodeNoSecretKey, "no key selected")
	}
	ciphertext, err := conn.Inquire("CIPHERTEXT", maxCiphertextLen)
	if err != nil {
		return inquireErr(conn, err)
	}
	defer secret.Zero(ciphertext)
	pt, err := d.Oracle.Decrypt(sess.Keygrip, ciphertext)
	if err != nil {
		return oracleErr(conn, err)
	}
	defer secret.Zero(pt)
	if err := conn.WriteData(pt); err != nil {
		return err
	}
	return conn.WriteOK("")
}

func (d Deps) cmdGenKey(conn *wire.Conn, sess *session.Context, args string) error {
	params, err := conn.Inquire("KEYPARAM", maxKeyParamLen)
	if err != nil {
		return inquireErr(conn, err)
	}
	pub, err := d.Oracle.GenKey(params)
	if err != nil {
		return oracleErr(conn, err)
	}
	if err := conn.WriteData(pub); err != nil {
		return err
	}
	return conn.WriteOK("key created")
}

// cmdLearn always runs the smartcard learn pass; --send only gates
// whether the results are streamed back as status lines, mirroring
// gnupg's agent_handle_learn(has_option(line,"--send") ? ctx : NULL) —
// the option selects a status sink, it never skips the learn itself.
func (d Deps) cmdLearn(conn *wire.Conn, sess *session.Context, args string) error {
	send := strings.Contains(args, "--send")
	lines, err := d.Oracle.LearnSmartcard()
	if err != nil {
		return conn.WriteErr(wire.CodeInternal, err.Error())
	}
	if send {
		for _, l := range lines {
			if err := conn.WriteStatus("LEARN", l); err != nil {
				return err
			}
		}
	}
	return conn.WriteOK("")
}

// plusToBlank replaces '+' with ' ', matching gnupg's plus_to_blank: the
// pinentry does its own percent-unescaping but never undoes this
// substitution, so it must happen here before the text reaches AskService.
func plusToBlank(s string) string {
	return strings.ReplaceAll(s, "+", " ")
}

// cmdGetPassphrase parses "GET_PASSPHRASE <cacheid|X> <errtext|X> <prompt|X> <desc>"
// and implements the cache-first, ask-service-fallback flow from
// SPEC_FULL.md §4.4.
func (d Deps) cmdGetPassphrase(conn *wire.Conn, sess *session.Context, args string) error {
	fields := strings.SplitN(strings.TrimLeft(args, " "), " ", 4)
	var cacheid, errtext, prompt, desc string
	var haveDesc bool
	switch len(fields) {
	case 4:
		desc, haveDesc = fields[3], true
		prompt = fields[2]
		errtext = fields[1]
		cacheid = fields[0]
	case 3:
		prompt = fields[2]
		errtext = fields[1]
		cacheid = fields[0]
	case 2:
		errtext = fields[1]
		cacheid = fields[0]
	case 1:
		cacheid = fields[0]
	}
	if cacheid == "" || len(cacheid) > passphrase.MaxCacheIDLength {
		return conn.WriteErr(wire.CodeParameterError, "invalid length of cacheID")
	}
	if !haveDesc {
		return conn.WriteErr(wire.CodeParameterError, "no description given")
	}
	if cacheid == "X" {
		cacheid = ""
	}
	if errtext == "X" {
		errtext = ""
	}
	if prompt == "X" {
		prompt = ""
	}
	if desc == "X" {
		desc = ""
	}

	if cacheid != "" {
		if cached, ok := d.Passphrase.Get(cacheid); ok {
			metrics.PassphraseCacheHits.Inc()
			conn.SetConfidential()
			return conn.WriteOK(string(cached))
		}
	}
	metrics.PassphraseCacheMisses.Inc()

	entered, err := d.Ask.AskPassphrase(plusToBlank(desc), plusToBlank(prompt), plusToBlank(errtext))
	if err != nil {
		return conn.WriteErr(wire.CodeInternal, err.Error())
	}
	encoded := []byte(hex.EncodeToString([]byte(entered)))
	defer secret.Zero(encoded)

	if cacheid != "" {
		if err := d.Passphrase.Put(cacheid, append([]byte(nil), encoded...), 0); err != nil {
			return conn.WriteErr(wire.CodeParameterError, err.Error())
		}
	}
	conn.SetConfidential()
	return conn.WriteOK(string(encoded))
}

func (d Deps) cmdClearPassphrase(conn *wire.Conn, sess *session.Context, args string) error {
	cacheid, _, _ := strings.Cut(strings.TrimLeft(args, " "), " ")
	if cacheid == "" || len(cacheid) > passphrase.MaxCacheIDLength {
		return conn.WriteErr(wire.CodeParameterError, "invalid length of cacheID")
	}
	d.Passphrase.Invalidate(cacheid)
	return conn.WriteOK("")
}

func oracleErr(conn *wire.Conn, err error) error {
	if err == oracle.ErrNoSecretKey {
		return conn.WriteErr(wire.CodeNoSecretKey, "")
	}
	return conn.WriteErr(wire.CodeInternal, err.Error())
}

func inquireErr(conn *wire.Conn, err error) error {
	if err == wire.ErrInquireTooLarge {
		return conn.WriteErr(wire.CodeParameterError, "inquired data too large")
	}
	return conn.WriteErr(wire.CodeInternal, err.Error())
}
