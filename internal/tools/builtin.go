package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/ent0n29/callbridge/internal/callcontrol"
	"github.com/ent0n29/callbridge/internal/policy"
)

const (
	NameTransfer       = "transfer"
	NameHangup         = "hangup_call"
	NameLeaveVoicemail = "leave_voicemail"
)

type TransferArgs struct {
	Destination string `json:"destination" jsonschema:"required,description=Extension or queue the caller should be transferred to"`
}

type HangupArgs struct {
	Reason string `json:"reason,omitempty" jsonschema:"description=Why the call is being ended"`
}

type VoicemailArgs struct {
	Mailbox string `json:"mailbox" jsonschema:"required,description=Mailbox that should record the caller's message"`
}

// Builtins returns the call-control tools backed by ctrl. Transfers are limited
// to transferAllow when it is non-empty.
func Builtins(ctrl callcontrol.Controller, transferAllow []string) []Tool {
	return []Tool{
		&transferTool{ctrl: ctrl, allow: transferAllow, schema: SchemaFor(TransferArgs{})},
		&hangupTool{ctrl: ctrl, schema: SchemaFor(HangupArgs{})},
		&voicemailTool{ctrl: ctrl, schema: SchemaFor(VoicemailArgs{})},
	}
}

type transferTool struct {
	ctrl   callcontrol.Controller
	allow  []string
	schema *jsonschema.Schema
}

func (t *transferTool) Name() string               { return NameTransfer }
func (t *transferTool) Schema() *jsonschema.Schema { return t.schema }
func (t *transferTool) Description() string {
	return "Transfer the caller to another extension or queue. Use when the caller asks for a person or department."
}

func (t *transferTool) Execute(ctx context.Context, inv Invocation) (map[string]any, error) {
	var args TransferArgs
	if err := decodeArgs(inv.Arguments, &args); err != nil {
		return nil, err
	}
	dest := strings.TrimSpace(args.Destination)
	if dest == "" {
		return nil, fmt.Errorf("%w: destination is required", ErrInvalidArguments)
	}
	if d := policy.DecideDestination(dest, t.allow); !d.Allowed {
		return nil, fmt.Errorf("%w: %s", ErrNotPermitted, d.Reason)
	}
	if err := t.ctrl.Transfer(ctx, inv.ChannelID, dest); err != nil {
		return nil, err
	}
	return map[string]any{"status": "transferred", "destination": dest}, nil
}

type hangupTool struct {
	ctrl   callcontrol.Controller
	schema *jsonschema.Schema
}

func (t *hangupTool) Name() string               { return NameHangup }
func (t *hangupTool) Schema() *jsonschema.Schema { return t.schema }
func (t *hangupTool) Description() string {
	return "End the call after saying goodbye."
}

func (t *hangupTool) Execute(ctx context.Context, inv Invocation) (map[string]any, error) {
	var args HangupArgs
	if err := decodeArgs(inv.Arguments, &args); err != nil {
		return nil, err
	}
	if err := t.ctrl.Hangup(ctx, inv.ChannelID, args.Reason); err != nil {
		return nil, err
	}
	return map[string]any{"status": "hung_up"}, nil
}

type voicemailTool struct {
	ctrl   callcontrol.Controller
	schema *jsonschema.Schema
}

func (t *voicemailTool) Name() string               { return NameLeaveVoicemail }
func (t *voicemailTool) Schema() *jsonschema.Schema { return t.schema }
func (t *voicemailTool) Description() string {
	return "Send the caller to a voicemail box to leave a message."
}

func (t *voicemailTool) Execute(ctx context.Context, inv Invocation) (map[string]any, error) {
	var args VoicemailArgs
	if err := decodeArgs(inv.Arguments, &args); err != nil {
		return nil, err
	}
	mailbox := strings.TrimSpace(args.Mailbox)
	if mailbox == "" {
		return nil, fmt.Errorf("%w: mailbox is required", ErrInvalidArguments)
	}
	if err := t.ctrl.LeaveVoicemail(ctx, inv.ChannelID, mailbox); err != nil {
		return nil, err
	}
	return map[string]any{"status": "voicemail", "mailbox": mailbox}, nil
}
