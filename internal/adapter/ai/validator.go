package ai

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/fairyhunter13/codegraph/internal/domain"
)

// ExtractedPOI is one POI as reported by the model. The qualified name is
// derived by the caller; the model only supplies names.
type ExtractedPOI struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Signature string `json:"signature,omitempty"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
}

// ExtractedRelationship is one relationship claim. Source and target are
// POI names for intra-file analysis and qualified names for the
// directory and global passes.
type ExtractedRelationship struct {
	Source      string  `json:"source"`
	Target      string  `json:"target"`
	Type        string  `json:"type"`
	Confidence  float64 `json:"confidence"`
	Explanation string  `json:"explanation,omitempty"`
}

// Extraction is the strict shape every analysis prompt demands.
type Extraction struct {
	POIs          []ExtractedPOI          `json:"pois"`
	Relationships []ExtractedRelationship `json:"relationships"`
	Summary       string                  `json:"summary,omitempty"`
}

// Unknown fields are tolerated; missing required fields are rejected and
// routed to self-correction.
const extractionSchema = `{
  "type": "object",
  "required": ["pois", "relationships"],
  "properties": {
    "pois": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "type"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "type": {"type": "string", "enum": ["File", "Function", "Class", "Method", "Variable", "Table", "Package", "Interface"]},
          "signature": {"type": "string"},
          "start_line": {"type": "integer", "minimum": 0},
          "end_line": {"type": "integer", "minimum": 0}
        }
      }
    },
    "relationships": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["source", "target", "type"],
        "properties": {
          "source": {"type": "string", "minLength": 1},
          "target": {"type": "string", "minLength": 1},
          "type": {"type": "string", "enum": ["CONTAINS", "CALLS", "USES", "IMPORTS", "EXPORTS", "EXTENDS", "IMPLEMENTS", "DEFINES", "DEPENDS_ON"]},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1},
          "explanation": {"type": "string"}
        }
      }
    },
    "summary": {"type": "string"}
  }
}`

// Validator checks sanitised responses against the extraction schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the extraction schema.
func NewValidator() (*Validator, error) {
	sch, err := jsonschema.CompileString("extraction.json", extractionSchema)
	if err != nil {
		return nil, fmt.Errorf("op=ai.validator: %w", err)
	}
	return &Validator{schema: sch}, nil
}

// Validate parses and checks one sanitised response. The returned error
// carries the validator diagnostic for the correction prompt.
func (v *Validator) Validate(cleaned string) (Extraction, error) {
	var raw any
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return Extraction{}, fmt.Errorf("%w: not valid JSON: %v", domain.ErrSchemaInvalid, err)
	}
	if err := v.schema.Validate(raw); err != nil {
		return Extraction{}, fmt.Errorf("%w: %v", domain.ErrSchemaInvalid, err)
	}
	var out Extraction
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return Extraction{}, fmt.Errorf("%w: %v", domain.ErrSchemaInvalid, err)
	}
	return out, nil
}
