package config

import (
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
)

// DesiredState describes what one project environment needs on its host.
type DesiredState struct {
	Project     string           `json:"project" validate:"required"`
	Environment string           `json:"environment" validate:"required"`
	Host        string           `json:"host,omitempty" validate:"omitempty,hostname_rfc1123|ip"`
	AuthRules   []AuthRuleSpec   `json:"authRules" validate:"dive"`
	Volumes     []VolumeSpec     `json:"volumes" validate:"dive"`
	Networks    []NetworkSpec    `json:"networks" validate:"dive"`
	Connections []ConnectionSpec `json:"connections" validate:"dive"`
}

// AuthRuleSpec asks for a database container to trust networks.
type AuthRuleSpec struct {
	Container       string   `json:"container" validate:"required"`
	TrustedNetworks []string `json:"trustedNetworks,omitempty" validate:"dive,cidr"`
	Method          string   `json:"method,omitempty" validate:"omitempty,oneof=trust md5 scram-sha-256 password"`
}

// VolumeSpec asks for the project's volume of a kind.
type VolumeSpec struct {
	Kind   string `json:"kind" validate:"required,oneof=postgres redis app-data"`
	Intent string `json:"intent" validate:"required,oneof=create-if-absent recreate backup-and-recreate"`
	Force  bool   `json:"force"`
}

// NetworkSpec asks for a usable container network.
type NetworkSpec struct {
	Name          string `json:"name" validate:"required"`
	AllowFallback bool   `json:"allowFallback"`
	Create        bool   `json:"create"`
}

// ConnectionSpec is a connection string whose host should point at a
// container's address.
type ConnectionSpec struct {
	Name      string `json:"name" validate:"required"`
	Container string `json:"container" validate:"required"`
	URL       string `json:"url" validate:"required,url"`
}

// ValidationError locates one problem in a desired-state document.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" && e.Line > 0 {
		fmt.Fprintf(&b, "%s:%d:%d: ", e.File, e.Line, e.Column)
	}
	if e.Path != "" && !strings.HasPrefix(e.Message, e.Path) {
		b.WriteString(e.Path + ": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors is returned when a document does not satisfy the
// schema.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.String()
	}
	return "invalid desired state: " + strings.Join(msgs, "; ")
}

// Parser reads desired-state documents written in CUE or JSON and checks
// them against the embedded schema.
type Parser struct {
	ctx       *cue.Context
	schema    cue.Value
	validator *validator.Validate
}

// NewParser compiles the schema.
func NewParser() (*Parser, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(desiredStateSchema, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile desired-state schema: %w", err)
	}
	return &Parser{ctx: ctx, schema: schema, validator: validator.New()}, nil
}

// ParseFile reads and validates a document.
func (p *Parser) ParseFile(path string) (*DesiredState, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read desired state: %w", err)
	}
	return p.Parse(path, content)
}

// Parse validates src and decodes it with schema defaults applied.
func (p *Parser) Parse(filename string, src []byte) (*DesiredState, error) {
	val := p.ctx.CompileBytes(src, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}

	unified := p.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(err)
	}

	var state DesiredState
	if err := unified.Decode(&state); err != nil {
		return nil, fmt.Errorf("failed to decode desired state: %w", err)
	}

	if err := p.validator.Struct(&state); err != nil {
		return nil, convertValidatorErrors(err)
	}

	return &state, nil
}

func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: errors.Details(e, nil),
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	return out
}

func convertValidatorErrors(err error) error {
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, ValidationError{
			Path:    fe.Namespace(),
			Message: fmt.Sprintf("failed %q check on value %v", fe.Tag(), fe.Value()),
		})
	}
	return out
}
