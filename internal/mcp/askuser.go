package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/ccmob/internal/client"
	"github.com/basket/ccmob/internal/relay"
)

// AskUserTool is the name of the question tool.
const AskUserTool = "ask_user"

// Texts returned to the agent.
const (
	TextNoResponse     = "No response from user (timeout)"
	textMissingInput   = `Error: Must provide either "questions" array or "question" string.`
	textCreateRejected = "Error: Failed to create question request. Is the cc-mob server running?"
	textUnreachable    = "Error reaching cc-mob server: "
)

const askUserDescription = `Ask the user a question on their phone and wait for the answer. Takes the same parameters as AskUserQuestion.

Parameters:
- questions: 1-4 question objects, each with:
  - question (string): the question text
  - header (string): short chip label, at most 12 characters
  - options (array): 2-4 choices, each with label and description
  - multiSelect (boolean): whether several options may be picked

The phone always offers a free-text "Other" answer. The result maps each question to the chosen label or typed text.`

const askUserSchema = `{
  "type": "object",
  "properties": {
    "questions": {
      "type": "array",
      "minItems": 1,
      "maxItems": 4,
      "description": "Array of 1-4 questions with options. Use this format for rich question cards.",
      "items": {
        "type": "object",
        "required": ["question", "header", "options", "multiSelect"],
        "properties": {
          "question": {"type": "string"},
          "header": {"type": "string"},
          "options": {
            "type": "array",
            "minItems": 2,
            "maxItems": 4,
            "items": {
              "type": "object",
              "required": ["label", "description"],
              "properties": {
                "label": {"type": "string"},
                "description": {"type": "string"}
              }
            }
          },
          "multiSelect": {"type": "boolean"}
        }
      }
    },
    "question": {
      "type": "string",
      "description": "Simple question string (legacy format). Prefer the questions array."
    },
    "options": {
      "type": "array",
      "items": {"type": "string"},
      "description": "Simple options list (legacy format). Prefer the questions array."
    }
  }
}`

// Relay is the part of the gateway client the tool uses.
type Relay interface {
	CreateRequest(ctx context.Context, kind relay.Kind, payload any) (string, error)
	WaitForResponse(ctx context.Context, id string) (json.RawMessage, error)
}

type askUserArgs struct {
	Questions []json.RawMessage `json:"questions"`
	Question  string            `json:"question"`
	Options   []string          `json:"options"`
}

type askUser struct {
	relay  Relay
	schema *jsonschema.Schema
}

func newAskUser(r Relay) (*askUser, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(askUserSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s schema: %w", AskUserTool, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("ask_user.json", doc); err != nil {
		return nil, fmt.Errorf("add %s schema: %w", AskUserTool, err)
	}
	schema, err := c.Compile("ask_user.json")
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", AskUserTool, err)
	}
	return &askUser{relay: r, schema: schema}, nil
}

func (a *askUser) tool() Tool {
	return Tool{
		Name:        AskUserTool,
		Description: askUserDescription,
		InputSchema: json.RawMessage(askUserSchema),
	}
}

// validate checks raw arguments against the input schema.
func (a *askUser) validate(raw json.RawMessage) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage(`{}`)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return a.schema.Validate(inst)
}

// payload builds the request payload: the rich form when questions are
// given, else the legacy single question.
func (a *askUser) payload(raw json.RawMessage) (any, bool) {
	var args askUserArgs
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, false
		}
	}
	switch {
	case len(args.Questions) > 0:
		return map[string]any{"questions": args.Questions}, true
	case args.Question != "":
		opts := args.Options
		if opts == nil {
			opts = []string{}
		}
		return map[string]any{"question": args.Question, "options": opts}, true
	default:
		return nil, false
	}
}

// call files a question and blocks until it is answered, expires or ctx
// ends. Gateway-side long-poll timeouts are retried.
func (a *askUser) call(ctx context.Context, raw json.RawMessage) ToolResult {
	payload, ok := a.payload(raw)
	if !ok {
		return errorResult(textMissingInput)
	}

	id, err := a.relay.CreateRequest(ctx, relay.KindQuestion, payload)
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) {
			return errorResult(textCreateRejected)
		}
		return errorResult(textUnreachable + err.Error())
	}

	for {
		resp, err := a.relay.WaitForResponse(ctx, id)
		switch {
		case err == nil:
			return textResult(answerText(resp))
		case client.IsTimeout(err):
			continue
		case ctx.Err() != nil:
			return textResult(TextNoResponse)
		default:
			return errorResult(textUnreachable + err.Error())
		}
	}
}

// answerText renders a recorded response for the agent: a string answer
// verbatim, a structured answer as {"answers": ...}, anything else as the
// no-response text.
func answerText(resp json.RawMessage) string {
	var body struct {
		Answer json.RawMessage `json:"answer"`
	}
	if err := json.Unmarshal(resp, &body); err != nil {
		return TextNoResponse
	}
	answer := bytes.TrimSpace(body.Answer)
	switch {
	case len(answer) == 0:
		return TextNoResponse
	case answer[0] == '{' || answer[0] == '[':
		out, err := json.Marshal(map[string]json.RawMessage{"answers": json.RawMessage(answer)})
		if err != nil {
			return TextNoResponse
		}
		return string(out)
	case answer[0] == '"':
		var s string
		if err := json.Unmarshal(answer, &s); err != nil || s == "" {
			return TextNoResponse
		}
		return s
	default:
		switch string(answer) {
		case "null", "false", "0":
			return TextNoResponse
		}
		return string(answer)
	}
}
