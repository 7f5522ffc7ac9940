package types

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// BrickConfig is the typed configuration of a brick node. Each category has exactly one
// implementation; executors type-assert the variant they own.
type BrickConfig interface {
	Category() BrickCategory
}

// Validation rule types supported by collection fields.
const (
	RuleRequired = "required"
	RuleEmail    = "email"
	RuleRange    = "range"
	RuleLength   = "length"
	RulePattern  = "pattern"
)

// CollectionConfig declares the fields a collection brick gathers.
type CollectionConfig struct {
	Fields []FieldDefinition `mapstructure:"fields" json:"fields"`
}

func (CollectionConfig) Category() BrickCategory { return CategoryCollection }

// FieldDefinition is one form field.
type FieldDefinition struct {
	Name     string           `mapstructure:"name" json:"name"`
	Label    string           `mapstructure:"label" json:"label,omitempty"`
	Type     string           `mapstructure:"type" json:"type,omitempty"`
	Required bool             `mapstructure:"required" json:"required,omitempty"`
	Rules    []ValidationRule `mapstructure:"rules" json:"rules,omitempty"`
}

// ValidationRule is one check applied to a field value.
type ValidationRule struct {
	Type    string   `mapstructure:"type" json:"type"`
	Min     *float64 `mapstructure:"min" json:"min,omitempty"`
	Max     *float64 `mapstructure:"max" json:"max,omitempty"`
	Pattern string   `mapstructure:"pattern" json:"pattern,omitempty"`
	Message string   `mapstructure:"message" json:"message,omitempty"`
}

// ApprovalConfig configures an approval brick. With a TemplateID the brick waits for the
// gate sequence of that template instead of a single decision.
type ApprovalConfig struct {
	Prompt     string   `mapstructure:"prompt" json:"prompt,omitempty"`
	Options    []string `mapstructure:"options" json:"options,omitempty"`
	TemplateID string   `mapstructure:"template_id" json:"template_id,omitempty"`
}

func (ApprovalConfig) Category() BrickCategory { return CategoryApproval }

// Review modes.
const (
	ReviewChecklist = "checklist"
	ReviewScored    = "scored"
)

// ReviewConfig configures a review brick.
type ReviewConfig struct {
	Mode     string            `mapstructure:"mode" json:"mode"`
	Criteria []ReviewCriterion `mapstructure:"criteria" json:"criteria"`
}

func (ReviewConfig) Category() BrickCategory { return CategoryReview }

// ReviewCriterion is one item of a checklist or score sheet.
type ReviewCriterion struct {
	ID    string `mapstructure:"id" json:"id"`
	Label string `mapstructure:"label" json:"label,omitempty"`
}

// DocumentationConfig configures a documentation brick. JobID, Status and ArtifactRef
// are written back by the executor while it waits on the generation job.
type DocumentationConfig struct {
	TemplateID  string `mapstructure:"template_id" json:"template_id,omitempty"`
	Format      string `mapstructure:"format" json:"format,omitempty"`
	JobID       string `mapstructure:"job_id" json:"job_id,omitempty"`
	Status      string `mapstructure:"status" json:"status,omitempty"`
	ArtifactRef string `mapstructure:"artifact_ref" json:"artifact_ref,omitempty"`
}

func (DocumentationConfig) Category() BrickCategory { return CategoryDocumentation }

// CommitmentConfig configures an e-signature brick.
type CommitmentConfig struct {
	Subject     string   `mapstructure:"subject" json:"subject,omitempty"`
	DocumentRef string   `mapstructure:"document_ref" json:"document_ref,omitempty"`
	Signers     []Signer `mapstructure:"signers" json:"signers"`
	EnvelopeID  string   `mapstructure:"envelope_id" json:"envelope_id,omitempty"`
}

func (CommitmentConfig) Category() BrickCategory { return CategoryCommitment }

// Signer is one party of a signature envelope.
type Signer struct {
	Name  string `mapstructure:"name" json:"name"`
	Email string `mapstructure:"email" json:"email"`
	Order int    `mapstructure:"order" json:"order"`
}

// DecodeBrickConfig decodes a raw config map into the typed variant of category.
func DecodeBrickConfig(category BrickCategory, raw map[string]interface{}) (BrickConfig, error) {
	var target BrickConfig
	switch category {
	case CategoryCollection:
		target = &CollectionConfig{}
	case CategoryApproval:
		target = &ApprovalConfig{}
	case CategoryReview:
		target = &ReviewConfig{}
	case CategoryDocumentation:
		target = &DocumentationConfig{}
	case CategoryCommitment:
		target = &CommitmentConfig{}
	default:
		return nil, fmt.Errorf("unknown brick category %q", category)
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           target,
		TagName:          "mapstructure",
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("decode %s config: %w", category, err)
	}

	switch c := target.(type) {
	case *CollectionConfig:
		return *c, nil
	case *ApprovalConfig:
		return *c, nil
	case *ReviewConfig:
		return *c, nil
	case *DocumentationConfig:
		return *c, nil
	case *CommitmentConfig:
		return *c, nil
	}
	return target, nil
}
