package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
)

// Testable variables for main().
var osExit = os.Exit

var errCatalogNameRequired = errors.New("catalog name required")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "status":
		return doStatus(args[1:], out)
	case "invariants":
		return doInvariants(args[1:], out)
	case "approvals":
		return doApprovals(args[1:], out)
	case "reload":
		return doReload(args[1:], out)
	case "conformance":
		return doConformance(args[1:], out)
	case "audit":
		return doAudit(args[1:], out)
	case "budget":
		return doBudget(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "sidecarctl commands:")
	fmt.Fprintln(out, "  status [--addr http://host:port]")
	fmt.Fprintln(out, "  invariants [--addr ...]")
	fmt.Fprintln(out, "  approvals list|approve|deny|attest [--addr ...] [--id ... --actor ... --role ...]")
	fmt.Fprintln(out, "  reload <catalog> [--addr ...]")
	fmt.Fprintln(out, "  conformance export|verify [--addr ...] [--chain-log ...]")
	fmt.Fprintln(out, "  audit export|verify [--addr ...] [--chain-log ...]")
	fmt.Fprintln(out, "  budget resume [--addr ...] [--actor ...]")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// client is the minimal HTTP client every sidecarctl subcommand shares,
// pointed at the sidecar instance's control surface.
type client struct {
	addr  string
	token string
	http  *http.Client
}

func newClient(addr, token string) *client {
	return &client{addr: addr, token: token, http: &http.Client{Timeout: 10 * time.Second}}
}

func (c *client) do(method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.addr+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.http.Do(req)
}

func (c *client) decode(resp *http.Response, into any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, string(raw))
	}
	return json.NewDecoder(resp.Body).Decode(into)
}

func addrFlag(fs *flag.FlagSet) *string {
	return fs.String("addr", "http://127.0.0.1:8443", "sidecar control-surface base address")
}

func tokenFlag(fs *flag.FlagSet) *string {
	return fs.String("token", os.Getenv("SIDECARCTL_TOKEN"), "bearer token (or SIDECARCTL_TOKEN)")
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func warn(out io.Writer, format string, args ...any) {
	fmt.Fprintln(out, color.YellowString(format, args...))
}

func ok(out io.Writer, format string, args ...any) {
	fmt.Fprintln(out, color.GreenString(format, args...))
}

func fail(out io.Writer, format string, args ...any) {
	fmt.Fprintln(out, color.RedString(format, args...))
}
