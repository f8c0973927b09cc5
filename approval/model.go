package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/hupe1980/opsmesh/core"
	"github.com/hupe1980/opsmesh/internal/util"
	"github.com/hupe1980/opsmesh/model"
)

// DefaultInstructions is the system prompt of ModelApprover.
const DefaultInstructions = `You review actions proposed by retail operations agents.
Answer with a single JSON object: {"approved": true|false, "reason": "<short reason>"}.
Reject anything that looks unsafe, unusually large or inconsistent.`

// DefaultPrompt renders an approval request for the model.
const DefaultPrompt = `Agent: {{ .AgentID }}
Approval level: {{ .Level }}
Action: {{ .Title }}
{{- if .Description }}
Details: {{ .Description }}
{{- end }}
{{- if .Payload }}
Payload: {{ json .Payload }}
{{- end }}`

var defaultPromptTemplate = util.MustParse("approval", DefaultPrompt)

// ErrInvalidVerdict is returned when the model answer holds no JSON verdict.
var ErrInvalidVerdict = errors.New("model returned no verdict")

// ModelApprover asks a language model to decide. Unparseable answers are
// errors, which agents treat as a rejection.
type ModelApprover struct {
	model        model.Model
	instructions string
	prompt       *template.Template
}

// ModelApproverOptions configures a ModelApprover.
type ModelApproverOptions struct {
	Instructions string
	// Prompt is a text/template rendered against core.ApprovalRequest.
	Prompt string
}

// NewModelApprover creates an approver backed by m.
func NewModelApprover(m model.Model, optFns ...func(o *ModelApproverOptions)) (*ModelApprover, error) {
	opts := ModelApproverOptions{Instructions: DefaultInstructions}
	for _, fn := range optFns {
		fn(&opts)
	}

	tmpl := defaultPromptTemplate
	if opts.Prompt != "" {
		var err error
		tmpl, err = util.Parse("approval", opts.Prompt)
		if err != nil {
			return nil, fmt.Errorf("parse approval prompt: %w", err)
		}
	}

	return &ModelApprover{model: m, instructions: opts.Instructions, prompt: tmpl}, nil
}

// RequestApproval implements core.Approver.
func (a *ModelApprover) RequestApproval(ctx context.Context, req core.ApprovalRequest) (core.ApprovalDecision, error) {
	var prompt strings.Builder
	if err := a.prompt.Execute(&prompt, req); err != nil {
		return core.ApprovalDecision{}, fmt.Errorf("render approval prompt: %w", err)
	}

	resp, err := a.model.Generate(ctx, model.UserPrompt(a.instructions, prompt.String()))
	if err != nil {
		return core.ApprovalDecision{}, fmt.Errorf("model approval: %w", err)
	}

	verdict, err := parseVerdict(resp.Text)
	if err != nil {
		return core.ApprovalDecision{}, err
	}

	return core.ApprovalDecision{
		Approved: verdict.Approved,
		Reason:   verdict.Reason,
		Approver: "model:" + a.model.Info().Name,
	}, nil
}

type verdict struct {
	Approved *bool  `json:"approved"`
	Reason   string `json:"reason"`
}

type decodedVerdict struct {
	Approved bool
	Reason   string
}

// parseVerdict extracts the outermost JSON object from text, tolerating
// prose or code fences around it.
func parseVerdict(text string) (decodedVerdict, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return decodedVerdict{}, fmt.Errorf("%w: %q", ErrInvalidVerdict, text)
	}

	var v verdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &v); err != nil {
		return decodedVerdict{}, fmt.Errorf("%w: %v", ErrInvalidVerdict, err)
	}
	if v.Approved == nil {
		return decodedVerdict{}, fmt.Errorf("%w: missing approved field", ErrInvalidVerdict)
	}

	return decodedVerdict{Approved: *v.Approved, Reason: v.Reason}, nil
}
