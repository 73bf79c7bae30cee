package main

import (
	"io"
)

func doStatus(args []string, out io.Writer) error {
	fs := newFlagSet("status")
	addr := addrFlag(fs)
	token := tokenFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	c := newClient(*addr, *token)
	resp, err := c.do("GET", "/_clawee/control/status", nil)
	if err != nil {
		fail(out, "request failed: %v", err)
		return err
	}
	var body map[string]any
	if err := c.decode(resp, &body); err != nil {
		fail(out, "status failed: %v", err)
		return err
	}
	ok(out, "sidecar status")
	return printJSON(out, body)
}

func doInvariants(args []string, out io.Writer) error {
	fs := newFlagSet("invariants")
	addr := addrFlag(fs)
	token := tokenFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	c := newClient(*addr, *token)
	resp, err := c.do("GET", "/_clawee/control/security/invariants", nil)
	if err != nil {
		fail(out, "request failed: %v", err)
		return err
	}
	var body map[string]any
	if err := c.decode(resp, &body); err != nil {
		fail(out, "invariants query failed: %v", err)
		return err
	}
	return printJSON(out, body)
}

func doReload(args []string, out io.Writer) error {
	fs := newFlagSet("reload")
	addr := addrFlag(fs)
	token := tokenFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) != 1 {
		return errCatalogNameRequired
	}
	catalogName := rest[0]
	c := newClient(*addr, *token)
	resp, err := c.do("POST", "/_clawee/control/reload/"+catalogName, nil)
	if err != nil {
		fail(out, "reload failed: %v", err)
		return err
	}
	var body map[string]any
	if err := c.decode(resp, &body); err != nil {
		fail(out, "reload rejected: %v", err)
		return err
	}
	ok(out, "reloaded %s", catalogName)
	return printJSON(out, body)
}
