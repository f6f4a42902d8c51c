package job

import (
	"context"
	"encoding/json"
	"time"
)

// DefaultTimeout applies to definitions registered with a zero Timeout.
const DefaultTimeout = 24 * time.Hour

// ArgType is the primitive type tag of a declared argument.
type ArgType string

// Argument type tags.
const (
	Integer ArgType = "INTEGER"
	Float   ArgType = "FLOAT"
	String  ArgType = "STRING"
	Boolean ArgType = "BOOLEAN"
	List    ArgType = "LIST"
	Dict    ArgType = "DICT"
)

// Body is the callable behind a definition. It receives coerced arguments and
// returns a JSON-serializable value. Bodies should return promptly once ctx is
// cancelled.
type Body func(ctx context.Context, args Args) (any, error)

// ArgSpec declares one named argument of a function.
type ArgSpec struct {
	Name        string  `json:"name" validate:"required"`
	Type        ArgType `json:"type" validate:"required,oneof=INTEGER FLOAT STRING BOOLEAN LIST DICT"`
	Required    bool    `json:"is_required"`
	Description string  `json:"description"`
}

// Definition describes a registered function.
type Definition struct {
	Name           string        `validate:"required,excludesall=/"`
	Args           []ArgSpec     `validate:"dive"`
	MaxConcurrency int           `validate:"gte=1"`
	Description    string
	Timeout        time.Duration `validate:"gte=0"`
	Body           Body          `validate:"required"`
}

type definitionJSON struct {
	Name           string    `json:"function_name"`
	Args           []ArgSpec `json:"arg_definitions"`
	MaxConcurrency int       `json:"max_concurrency"`
	Description    string    `json:"description"`
	TimeoutS       int64     `json:"timeout"`
}

// MarshalJSON renders the definition for documentation endpoints. The body is
// omitted and the timeout is expressed in whole seconds.
func (d Definition) MarshalJSON() ([]byte, error) {
	args := d.Args
	if args == nil {
		args = []ArgSpec{}
	}
	return json.Marshal(definitionJSON{
		Name:           d.Name,
		Args:           args,
		MaxConcurrency: d.MaxConcurrency,
		Description:    d.Description,
		TimeoutS:       int64(d.Timeout / time.Second),
	})
}
