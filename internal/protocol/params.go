package protocol

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/seqlab/benchd/internal/model"
)

func compileSchema(src string) error {
	v := cuecontext.New().CompileString(src)
	return v.Err()
}

// ValidateParams unifies the run parameters with the protocol's CUE schema
// and requires the result to be concrete: missing required fields, wrong
// types, and out-of-bounds values all surface here, before a run record is
// ever created. A protocol without a schema accepts any parameters.
func ValidateParams(def *model.ProtocolDefinition, params model.Params) error {
	if def.ParamSchema == "" {
		return nil
	}
	ctx := cuecontext.New()
	schema := ctx.CompileString(def.ParamSchema)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compiling parameter schema: %w", err)
	}
	if params == nil {
		params = model.Params{}
	}
	data := ctx.Encode(params)
	if err := data.Err(); err != nil {
		return fmt.Errorf("encoding parameters: %w", err)
	}
	if err := schema.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("parameters rejected by schema: %w", err)
	}
	return nil
}
