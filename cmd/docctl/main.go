// Command docctl drives the document service over HTTP: it opens documents,
// uploads saves and polls command output.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ---- config/session store ----

// sessionFile remembers the connection used for a document between invocations.
type sessionFile struct {
	ConnID string `json:"conn_id"`
	UserID string `json:"user_id"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "docctl")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "docctl")
}

func sessionPath(tenant, docID string) string {
	return filepath.Join(cfgDir(), "sessions", safeName(tenant)+"_"+safeName(docID)+".json")
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, s)
}

func saveSession(tenant, docID string, s sessionFile) error {
	p := sessionPath(tenant, docID)
	_ = os.MkdirAll(filepath.Dir(p), 0o700)
	f, err := os.Create(p)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

func loadSession(tenant, docID string) (sessionFile, error) {
	var s sessionFile
	b, err := os.ReadFile(sessionPath(tenant, docID))
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return s, err
	}
	if s.ConnID == "" {
		return s, errors.New("no session for document (open it first)")
	}
	return s, nil
}

func dropSession(tenant, docID string) { _ = os.Remove(sessionPath(tenant, docID)) }

// ---- utils ----

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func usage() {
	fmt.Fprintf(os.Stderr, `docctl
Usage:
  docctl -addr URL [-tenant name] [-secret key] <cmd> [args]

Commands:
  version
  open        -doc <id> -url <source> [-user <id>] [-format docx] [-title name] [-callback url]
  reopen      -doc <id> -password <pwd>
  setpassword -doc <id> [-password <pwd>]         (empty clears it)
  save        -doc <id> -file <changes> [-format docx] [-index n -savekey k] [-last=false]
  forcesave   -doc <id>
  status      -doc <id>                           (pending output)
  task        -file <result.json>                 (worker result)
  close       -doc <id>
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands against one service address.
func main() {
	// global flags
	addr := flag.String("addr", envOr("DOCS_URL", "http://localhost:8000"), "service base URL")
	tenant := flag.String("tenant", "", "tenant name")
	secret := flag.String("secret", os.Getenv("DOCS_INBOX_SECRET"), "HS256 inbox key")
	timeout := flag.Duration("timeout", 30*time.Second, "request timeout")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	cl := newClient(*addr, *tenant, []byte(*secret), *timeout)

	switch cmd {

	case "version":
		fmt.Printf("docctl %s (%s)\n", version, buildDate)

	case "open":
		fs := flag.NewFlagSet("open", flag.ExitOnError)
		doc := fs.String("doc", "", "document id")
		src := fs.String("url", "", "source file URL")
		user := fs.String("user", "", "user id (optional)")
		format := fs.String("format", "docx", "source format")
		title := fs.String("title", "", "title")
		cb := fs.String("callback", "", "save callback URL")
		_ = fs.Parse(args)
		if *doc == "" || *src == "" {
			fmt.Fprintln(os.Stderr, "need -doc and -url")
			os.Exit(1)
		}
		autoID(user)
		conn := connection{ID: newConnID(), UserID: *user, BaseURL: *addr, Callback: *cb}
		out, err := cl.command(ctx, "open", conn, openCommand(*doc, *src, *format, *title, *user))
		if err != nil {
			fail(err)
		}
		if err := saveSession(*tenant, *doc, sessionFile{ConnID: conn.ID, UserID: conn.UserID}); err != nil {
			fail(err)
		}
		printJSON(out)

	case "reopen", "setpassword":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		doc := fs.String("doc", "", "document id")
		pwd := fs.String("password", "", "document password")
		_ = fs.Parse(args)
		if *doc == "" || (cmd == "reopen" && *pwd == "") {
			fmt.Fprintln(os.Stderr, "need -doc and -password")
			os.Exit(1)
		}
		s, err := loadSession(*tenant, *doc)
		if err != nil {
			fail(err)
		}
		out, err := cl.command(ctx, cmd, connection{ID: s.ConnID, UserID: s.UserID},
			passwordCommand(*doc, *pwd, s.UserID))
		if err != nil {
			fail(err)
		}
		printJSON(out)

	case "save":
		fs := flag.NewFlagSet("save", flag.ExitOnError)
		doc := fs.String("doc", "", "document id")
		file := fs.String("file", "", "changes file ('-'=stdin)")
		format := fs.String("format", "docx", "output format")
		index := fs.Int("index", 0, "part index")
		key := fs.String("savekey", "", "save key returned by the first part")
		last := fs.Bool("last", true, "this is the last part")
		_ = fs.Parse(args)
		if *doc == "" || *file == "" {
			fmt.Fprintln(os.Stderr, "need -doc and -file")
			os.Exit(1)
		}
		s, err := loadSession(*tenant, *doc)
		if err != nil {
			fail(err)
		}
		data, err := readAll(*file)
		if err != nil {
			fail(err)
		}
		out, err := cl.save(ctx, *doc, s, saveCommand(*format, *key, *index, *last), data)
		if err != nil {
			fail(err)
		}
		printJSON(out)

	case "forcesave":
		fs := flag.NewFlagSet("forcesave", flag.ExitOnError)
		doc := fs.String("doc", "", "document id")
		_ = fs.Parse(args)
		if *doc == "" {
			fmt.Fprintln(os.Stderr, "need -doc")
			os.Exit(1)
		}
		s, _ := loadSession(*tenant, *doc)
		var out map[string]any
		body := map[string]any{"userId": s.UserID, "type": 1}
		if err := cl.do(ctx, "POST", "/docs/"+*doc+"/forcesave", body, &out); err != nil {
			fail(err)
		}
		printJSON(out)

	case "status":
		fs := flag.NewFlagSet("status", flag.ExitOnError)
		doc := fs.String("doc", "", "document id")
		_ = fs.Parse(args)
		if *doc == "" {
			fmt.Fprintln(os.Stderr, "need -doc")
			os.Exit(1)
		}
		var out []map[string]any
		if err := cl.do(ctx, "GET", "/docs/"+*doc+"/output", nil, &out); err != nil {
			fail(err)
		}
		printJSON(out)

	case "task":
		fs := flag.NewFlagSet("task", flag.ExitOnError)
		file := fs.String("file", "", "result file ('-'=stdin)")
		_ = fs.Parse(args)
		if *file == "" {
			fmt.Fprintln(os.Stderr, "need -file")
			os.Exit(1)
		}
		raw, err := readAll(*file)
		if err != nil {
			fail(err)
		}
		if err := cl.do(ctx, "POST", "/internal/tasks", json.RawMessage(raw), nil); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "close":
		fs := flag.NewFlagSet("close", flag.ExitOnError)
		doc := fs.String("doc", "", "document id")
		_ = fs.Parse(args)
		s, err := loadSession(*tenant, *doc)
		if err != nil {
			fail(err)
		}
		if err := cl.do(ctx, "DELETE", "/sessions/"+s.ConnID+"/", nil, nil); err != nil {
			fail(err)
		}
		dropSession(*tenant, *doc)
		fmt.Println("ok")

	default:
		usage()
	}
}

// ---- helpers ----

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func fail(err error) {
	var se *statusError
	if errors.As(err, &se) {
		fmt.Fprintf(os.Stderr, "http error: status=%d body=%s\n", se.Code, strings.TrimSpace(se.Body))
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
