package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"taskorch/pkg/executor"
)

// envelopeInstructions is prepended as the system prompt so the model reports its own
// status in a machine-readable form.
const envelopeInstructions = `You are executing one task for an automated orchestrator.
When you finish, reply with a single JSON object and nothing else:
{"status": "COMPLETE" | "INCOMPLETE" | "NO_EVIDENCE" | "BLOCKED" | "ERROR",
 "output": "<your full answer or work summary>",
 "question": "<only when BLOCKED: the one question you need answered>",
 "question_type": "confirmation" | "choice" | "path" | "free_text",
 "options": ["<possible answers, when there is a fixed set>"],
 "error": "<only when ERROR: what went wrong>"}
Use NO_EVIDENCE when you could not find anything to support an answer and INCOMPLETE
when you stopped before finishing.`

const envelopeSchema = `{
  "type": "object",
  "required": ["status"],
  "properties": {
    "status": {"enum": ["COMPLETE", "INCOMPLETE", "NO_EVIDENCE", "BLOCKED", "ERROR"]},
    "output": {"type": "string"},
    "question": {"type": "string"},
    "question_type": {"enum": ["confirmation", "choice", "path", "free_text", ""]},
    "options": {"type": "array", "items": {"type": "string"}},
    "error": {"type": "string"}
  },
  "if": {"properties": {"status": {"const": "BLOCKED"}}},
  "then": {"required": ["question"], "properties": {"question": {"minLength": 1}}}
}`

type envelope struct {
	Status       executor.Status `json:"status"`
	Output       string          `json:"output"`
	Question     string          `json:"question"`
	QuestionType string          `json:"question_type"`
	Options      []string        `json:"options"`
	Error        string          `json:"error"`
}

// compileEnvelopeSchema compiles the result envelope schema.
func compileEnvelopeSchema() (*jsonschema.Schema, error) {
	schema, err := jsonschema.CompileString("taskorch-result.json", envelopeSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to compile result schema: %w", err)
	}
	return schema, nil
}

// parseEnvelope extracts and validates the JSON envelope from a model reply. ok is
// false when the reply has no valid envelope; the caller then treats the raw text as
// a COMPLETE answer.
func parseEnvelope(schema *jsonschema.Schema, text string) (*executor.Result, bool) {
	raw := extractJSON(text)
	if raw == "" {
		return nil, false
	}

	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, false
	}
	if err := schema.Validate(doc); err != nil {
		return nil, false
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, false
	}
	return &executor.Result{
		Status:       env.Status,
		Output:       env.Output,
		Question:     env.Question,
		QuestionType: env.QuestionType,
		Options:      env.Options,
		ErrorMessage: env.Error,
	}, true
}

// extractJSON returns the outermost {...} span, ignoring markdown fences around it.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}
