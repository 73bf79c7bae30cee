package main

import (
	"errors"
	"io"
)

func doConformance(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("conformance subcommand required: export|verify")
	}
	switch args[0] {
	case "export":
		return conformanceExport(args[1:], out)
	case "verify":
		return conformanceVerify(args[1:], out)
	default:
		return errors.New("unknown conformance subcommand: " + args[0])
	}
}

func conformanceExport(args []string, out io.Writer) error {
	fs := newFlagSet("conformance export")
	addr := addrFlag(fs)
	token := tokenFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	c := newClient(*addr, *token)
	resp, err := c.do("POST", "/_clawee/control/security/conformance/export", nil)
	if err != nil {
		fail(out, "request failed: %v", err)
		return err
	}
	var body map[string]any
	if err := c.decode(resp, &body); err != nil {
		fail(out, "export failed: %v", err)
		return err
	}
	ok(out, "sealed conformance snapshot")
	return printJSON(out, body)
}

func conformanceVerify(args []string, out io.Writer) error {
	fs := newFlagSet("conformance verify")
	addr := addrFlag(fs)
	token := tokenFlag(fs)
	chainLog := fs.String("chain-log", "", "path to the conformance chain log to verify")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *chainLog == "" {
		return errors.New("--chain-log is required")
	}
	c := newClient(*addr, *token)
	resp, err := c.do("POST", "/_clawee/control/security/conformance/verify", map[string]any{
		"chain_log_path": *chainLog,
	})
	if err != nil {
		fail(out, "request failed: %v", err)
		return err
	}
	var body map[string]any
	if err := c.decode(resp, &body); err != nil {
		fail(out, "verify request rejected: %v", err)
		return err
	}
	if valid, _ := body["Valid"].(bool); valid {
		ok(out, "chain verified")
	} else {
		warn(out, "chain failed verification: %v", body["Reason"])
	}
	return printJSON(out, body)
}
