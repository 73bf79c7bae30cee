package main

import (
	"errors"
	"io"
)

func doApprovals(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("approvals subcommand required: list|approve|deny|attest")
	}
	switch args[0] {
	case "list":
		return approvalsList(args[1:], out)
	case "approve":
		return approvalsAction(args[1:], out, "approve")
	case "deny":
		return approvalsAction(args[1:], out, "deny")
	case "attest":
		return approvalsAttest(args[1:], out)
	default:
		return errors.New("unknown approvals subcommand: " + args[0])
	}
}

func approvalsList(args []string, out io.Writer) error {
	fs := newFlagSet("approvals list")
	addr := addrFlag(fs)
	token := tokenFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	c := newClient(*addr, *token)
	resp, err := c.do("POST", "/_clawee/control/approvals/list", nil)
	if err != nil {
		fail(out, "request failed: %v", err)
		return err
	}
	var body map[string]any
	if err := c.decode(resp, &body); err != nil {
		fail(out, "list failed: %v", err)
		return err
	}
	return printJSON(out, body)
}

func approvalsAction(args []string, out io.Writer, action string) error {
	fs := newFlagSet("approvals " + action)
	addr := addrFlag(fs)
	token := tokenFlag(fs)
	id := fs.String("id", "", "approval record id")
	actor := fs.String("actor", "", "acting principal")
	role := fs.String("role", "", "role the actor is acting under")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" || *actor == "" {
		return errors.New("--id and --actor are required")
	}
	c := newClient(*addr, *token)
	resp, err := c.do("POST", "/_clawee/control/approvals/"+action, map[string]any{
		"id": *id, "actor": *actor, "role": *role,
	})
	if err != nil {
		fail(out, "request failed: %v", err)
		return err
	}
	var body map[string]any
	if err := c.decode(resp, &body); err != nil {
		fail(out, "%s failed: %v", action, err)
		return err
	}
	ok(out, "%sd approval %s", action, *id)
	return printJSON(out, body)
}

func approvalsAttest(args []string, out io.Writer) error {
	fs := newFlagSet("approvals attest")
	addr := addrFlag(fs)
	token := tokenFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	c := newClient(*addr, *token)
	resp, err := c.do("POST", "/_clawee/control/approvals/attest", nil)
	if err != nil {
		fail(out, "request failed: %v", err)
		return err
	}
	var body map[string]any
	if err := c.decode(resp, &body); err != nil {
		fail(out, "attest failed: %v", err)
		return err
	}
	ok(out, "sealed approvals snapshot")
	return printJSON(out, body)
}
