package integrations

import (
	"context"
	"fmt"

	"github.com/inqbatorchris/aimee-sub010/internal/expressions"
	"github.com/inqbatorchris/aimee-sub010/pkg/schema"
)

// Recipient is one target of a broadcast message.
type Recipient struct {
	ID     string
	Name   string
	Fields map[string]any
}

// MessageSender delivers a single rendered message. Implementations own their
// transport and rate limiting.
type MessageSender interface {
	ListRecipients(ctx context.Context, creds Credentials, segment string) ([]Recipient, error)
	Send(ctx context.Context, creds Credentials, recipientID, body string) error
}

// Messaging client action names.
const (
	ActionBroadcast = "broadcast"
)

// MessagingClient fans a templated message out to every recipient of a
// segment, one send per recipient, continuing past individual failures.
type MessagingClient struct {
	sender MessageSender
}

func NewMessagingClient(sender MessageSender) *MessagingClient {
	return &MessagingClient{sender: sender}
}

func (c *MessagingClient) Type() string { return "messaging" }

func (c *MessagingClient) Actions() []string { return []string{ActionBroadcast} }

func (c *MessagingClient) Execute(ctx context.Context, action string, params map[string]any, creds Credentials, _ map[string]any) (map[string]any, error) {
	if action != ActionBroadcast {
		return nil, schema.NewErrorf(schema.ErrCodeUnsupportedAction,
			"unsupported action %q for integration %q", action, c.Type())
	}

	template := stringParam(params, "message", "")
	if template == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "broadcast requires a message template")
	}
	segment := stringParam(params, "segment", "")

	recipients, err := c.sender.ListRecipients(ctx, creds, segment)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "list recipients: %s", err.Error()).WithCause(err)
	}

	// An explicit recipients list narrows the segment to those ids.
	if only := listParam(params, "recipients"); len(only) > 0 {
		allowed := make(map[string]bool, len(only))
		for _, v := range only {
			if s, ok := v.(string); ok {
				allowed[s] = true
			}
		}
		filtered := make([]Recipient, 0, len(recipients))
		for _, r := range recipients {
			if allowed[r.ID] {
				filtered = append(filtered, r)
			}
		}
		recipients = filtered
	}

	var succeeded, failed int
	results := make([]any, 0, len(recipients))
	for _, r := range recipients {
		data := map[string]any{"name": r.Name, "id": r.ID}
		for k, v := range r.Fields {
			data[k] = v
		}
		body := expressions.ResolvePlaceholders(template, data)

		item := map[string]any{"recipient": r.ID}
		if err := c.sender.Send(ctx, creds, r.ID, body); err != nil {
			failed++
			item["success"] = false
			item["error"] = err.Error()
		} else {
			succeeded++
			item["success"] = true
		}
		results = append(results, item)

		if ctx.Err() != nil {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "broadcast interrupted: %s", ctx.Err().Error())
		}
	}

	return map[string]any{
		"totalCustomers": len(recipients),
		"successCount":   succeeded,
		"failureCount":   failed,
		"results":        results,
		"summary":        fmt.Sprintf("sent %d/%d messages", succeeded, len(recipients)),
	}, nil
}
