// Command sin synchronizes an IMAP mailbox account with a local maildir
// tree and tag database, in either direction.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/sin/imapclient"
	"github.com/mjl-/sin/maildir"
	"github.com/mjl-/sin/mlog"
	"github.com/mjl-/sin/store"
	"github.com/mjl-/sin/sync"
	"github.com/mjl-/sin/synerr"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	cmd, rest := os.Args[1], os.Args[2:]
	switch cmd {
	case "pull":
		os.Exit(runSync(false, rest))
	case "push":
		os.Exit(runSync(true, rest))
	case "licenses":
		cmdLicenses(rest)
	case "help", "-h", "-help", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "sin: unknown command %q\n", cmd)
		usage()
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage:
	sin pull   --address HOST --port N [--tls] [--timeout SECS]
	           --notmuch PATH [--create] --maildir NAME --user USER
	           [--dry-run] [--log_directory DIR] [-v|--quiet ...]
	           -- CMD ARG...
	sin push   (same flags as pull)
	sin licenses
`)
	os.Exit(synerr.ExitConfig)
}

// options holds the flags pull and push have in common; both subcommands
// accept the same flag set.
type options struct {
	address      string
	port         int
	useTLS       bool
	timeout      time.Duration
	notmuchRoot  string
	create       bool
	maildirName  string
	user         string
	dryRun       bool
	logDirectory string
	passwordCmd  []string

	verbose countFlag
	quiet   countFlag
}

// countFlag implements flag.Value for a flag that may be repeated to
// increase (-v) or decrease (--quiet) verbosity, e.g. "-v -v -v".
type countFlag int

func (c *countFlag) String() string   { return strconv.Itoa(int(*c)) }
func (c *countFlag) Set(string) error { *c++; return nil }
func (c *countFlag) IsBoolFlag() bool { return true }

func parseOptions(name string, args []string) (*options, error) {
	var o options
	fs := flag.NewFlagSet("sin "+name, flag.ContinueOnError)
	fs.StringVar(&o.address, "address", "", "IMAP server hostname")
	fs.IntVar(&o.port, "port", 0, "IMAP server port")
	fs.BoolVar(&o.useTLS, "tls", false, "connect with TLS")
	timeoutSecs := fs.Int("timeout", 30, "network timeout in seconds")
	fs.StringVar(&o.notmuchRoot, "notmuch", "", "path to the notmuch-style tag database root")
	fs.BoolVar(&o.create, "create", false, "create a new account root if none exists yet")
	fs.StringVar(&o.maildirName, "maildir", "", "account's maildir subdirectory name")
	fs.StringVar(&o.user, "user", "", "IMAP login name")
	fs.BoolVar(&o.dryRun, "dry-run", false, "compute and log what would change, without writing anything")
	fs.StringVar(&o.logDirectory, "log_directory", "", "directory to append a log file to, instead of stderr")
	fs.Var(&o.verbose, "v", "increase log verbosity (repeatable)")
	fs.Var(&o.quiet, "quiet", "decrease log verbosity (repeatable)")
	if err := fs.Parse(args); err != nil {
		return nil, &synerr.Config{Err: err}
	}
	o.passwordCmd = fs.Args()
	o.timeout = time.Duration(*timeoutSecs) * time.Second

	var missing []string
	if o.address == "" {
		missing = append(missing, "--address")
	}
	if o.port == 0 {
		missing = append(missing, "--port")
	}
	if o.notmuchRoot == "" {
		missing = append(missing, "--notmuch")
	}
	if o.maildirName == "" {
		missing = append(missing, "--maildir")
	}
	if o.user == "" {
		missing = append(missing, "--user")
	}
	if len(o.passwordCmd) == 0 {
		missing = append(missing, "-- CMD ARG...")
	}
	if len(missing) > 0 {
		return nil, &synerr.Config{Err: fmt.Errorf("missing required flags: %s", strings.Join(missing, ", "))}
	}
	return &o, nil
}

// logLevel turns repeated -v/--quiet flags into an slog.Level, walking
// down through mlog's protocol-trace levels on successive -v and up
// through Warn/Error on successive --quiet.
func (o *options) logLevel() slog.Level {
	level := slog.LevelInfo
	level -= slog.Level(2) * slog.Level(o.verbose)
	level += slog.Level(2) * slog.Level(o.quiet)
	if level < mlog.LevelTracedata {
		level = mlog.LevelTracedata
	}
	if level > slog.LevelError {
		level = slog.LevelError
	}
	return level
}

func (o *options) openLogger(subcommand string) (*slog.Logger, func(), error) {
	level := o.logLevel()
	handlerOpts := &slog.HandlerOptions{Level: level}
	if o.logDirectory == "" {
		return slog.New(slog.NewTextHandler(os.Stderr, handlerOpts)), func() {}, nil
	}
	path := filepath.Join(o.logDirectory, "sin-"+subcommand+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0660)
	if err != nil {
		return nil, nil, &synerr.Config{Err: fmt.Errorf("opening log file: %w", err)}
	}
	return slog.New(slog.NewTextHandler(f, handlerOpts)), func() { f.Close() }, nil
}

// readPassword runs the external password-producing command given after
// "--" on the command line and returns its first stdout line. The
// returned byte slice is the caller's to zero once the credential has
// been used.
func readPassword(cmd []string) ([]byte, error) {
	c := exec.Command(cmd[0], cmd[1:]...)
	out, err := c.Output()
	if err != nil {
		return nil, fmt.Errorf("running password command: %w", err)
	}
	defer zero(out)
	line := out
	if i := strings.IndexByte(string(out), '\n'); i >= 0 {
		line = out[:i]
	}
	line = []byte(strings.TrimRight(string(line), "\r"))
	pw := make([]byte, len(line))
	copy(pw, line)
	return pw, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// connect dials the server, logs in, and enables QRESYNC/CONDSTORE, in
// the order CAPABILITY, AUTHENTICATE PLAIN, ENABLE QRESYNC CONDSTORE,
// NAMESPACE.
func connect(ctx context.Context, o *options, log mlog.Log, slogger *slog.Logger) (*imapclient.Conn, error) {
	addr := net.JoinHostPort(o.address, strconv.Itoa(o.port))
	dialer := net.Dialer{Timeout: o.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &synerr.Transport{Op: "dial", Err: err}
	}
	if o.useTLS {
		conn = tls.Client(conn, &tls.Config{ServerName: o.address})
	}

	client, err := imapclient.New(conn, &imapclient.Opts{Logger: slogger})
	if err != nil {
		return nil, &synerr.Transport{Op: "greeting", Err: err}
	}

	if _, err := client.Capability(); err != nil {
		return nil, &synerr.Protocol{Op: "capability", Err: err}
	}

	if !client.Preauth {
		password, err := readPassword(o.passwordCmd)
		if err != nil {
			return nil, &synerr.Config{Err: err}
		}
		_, err = client.AuthenticatePlain(o.user, string(password))
		zero(password)
		if err != nil {
			return nil, &synerr.Auth{Err: err}
		}
	}

	if _, err := client.Enable(imapclient.Capability("QRESYNC"), imapclient.Capability("CONDSTORE")); err != nil {
		return nil, &synerr.Protocol{Op: "enable", Err: err}
	}
	if _, err := client.Namespace(); err != nil {
		log.Debug("namespace command failed, continuing", mlog.Field("err", err))
	}

	return client, nil
}

// runSync implements both "sin pull" and "sin push": parse flags, open
// the tag database (creating an account root on --create), connect and
// authenticate, then delegate to sync.Puller or sync.Pusher. Returns the
// process exit code.
func runSync(push bool, args []string) int {
	name := "pull"
	if push {
		name = "push"
	}
	o, err := parseOptions(name, args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return synerr.ExitCode(err)
	}

	slogger, closeLog, err := o.openLogger(name)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return synerr.ExitCode(err)
	}
	defer closeLog()
	log := mlog.New("cmd/sin", slogger)

	ctx := context.Background()

	dbPath := filepath.Join(o.notmuchRoot, o.maildirName, ".sin.db")
	account, err := store.Open(ctx, dbPath)
	if err != nil {
		log.Error(err, "opening tag database")
		return synerr.ExitCode(&synerr.Config{Err: err})
	}
	defer account.Close()

	maildirRoot := filepath.Join(o.notmuchRoot, o.maildirName)
	if err := ensureRoot(ctx, account, o.maildirName, maildirRoot, o.create); err != nil {
		log.Error(err, "preparing account root")
		return synerr.ExitCode(err)
	}

	client, err := connect(ctx, o, log, slogger)
	if err != nil {
		log.Error(err, "connecting")
		return synerr.ExitCode(err)
	}
	defer client.Logout()

	var sum sync.Summary
	if push {
		p := &sync.Pusher{
			Conn:        client,
			Account:     account,
			Maildir:     o.maildirName,
			MaildirRoot: maildirRoot,
			Log:         log.Fields(mlog.Field("op", "push")),
			DryRun:      o.dryRun,
		}
		sum, err = p.Run(ctx)
	} else {
		p := &sync.Puller{
			Conn:        client,
			Account:     account,
			Maildir:     o.maildirName,
			MaildirRoot: maildirRoot,
			Log:         log.Fields(mlog.Field("op", "pull")),
			DryRun:      o.dryRun,
		}
		sum, err = p.Run(ctx)
	}
	log.Print("run summary", sum.Fields()...)
	if err != nil {
		log.Error(err, name+" failed")
		return synerr.ExitCode(err)
	}
	return synerr.ExitOK
}

// ensureRoot finds the account root governing maildirName, or creates one
// (with its synthetic root message staged at maildirRoot) if --create was
// given and none exists yet. Absence without --create is a configuration
// error: a run must be explicitly told to initialize a new account.
func ensureRoot(ctx context.Context, account *store.Account, maildirName, maildirRoot string, create bool) error {
	return account.Write(ctx, func(tx *bstore.Tx) error {
		_, err := store.FindRootByMaildir(tx, maildirName)
		if err == nil {
			return nil
		}
		if !errors.Is(err, bstore.ErrAbsent) {
			return fmt.Errorf("looking up account root: %w", err)
		}
		if !create {
			return &synerr.Config{Err: fmt.Errorf("no account root for maildir %q, rerun with --create", maildirName)}
		}

		id, err := store.ScanRootAccounts(tx)
		if err != nil {
			return err
		}

		dir, err := maildir.New(maildirRoot)
		if err != nil {
			return fmt.Errorf("creating maildir root: %w", err)
		}
		body := []byte(fmt.Sprintf("Message-Id: <%d@sin>\r\nSubject: sin account root, do not delete\r\n\r\n", id))
		key, err := dir.Stage(body)
		if err != nil {
			return err
		}
		path, err := dir.Publish(key, nil)
		if err != nil {
			return err
		}

		_, err = store.CreateRoot(tx, id, maildirName, path)
		return err
	})
}

func cmdLicenses(args []string) {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: sin licenses")
		os.Exit(synerr.ExitConfig)
	}
	fmt.Println(`sin is licensed under the MIT license.

It depends on the following third-party packages, each under its own
license; see each module's own repository for the full license text:

	github.com/mjl-/bstore       (MIT)
	github.com/emersion/go-maildir (MIT)`)
}
