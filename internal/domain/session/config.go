package session

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is shared across config checks; validator instances cache struct
// metadata and are safe for concurrent use.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the session's work definition. It is owned exclusively by the
// session and passed verbatim to the executor; this subsystem only validates
// its shape, never interprets its meaning.
type Config struct {
	// Epochs is the number of passes the worker should perform.
	Epochs int `json:"epochs" validate:"required,gte=1"`

	// TotalSteps optionally pre-declares the total step count so progress
	// can be derived before the worker reports it.
	TotalSteps int64 `json:"total_steps,omitempty" validate:"omitempty,gte=1"`

	// LearningRate is optional and only meaningful for training sessions.
	LearningRate float64 `json:"learning_rate,omitempty" validate:"omitempty,gt=0,lte=1"`

	// Dataset names the input the worker should operate on.
	Dataset string `json:"dataset,omitempty" validate:"omitempty,min=1,max=255"`

	// Params carries arbitrary numeric hyperparameters for the worker.
	Params map[string]float64 `json:"params,omitempty"`
}

// Validate checks the config shape and returns a ValidationError describing
// the first offending field.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return NewValidationError(strings.ToLower(fe.Field()), "failed rule "+fe.Tag())
		}
		return NewValidationError("", err.Error())
	}
	return nil
}

// MarshalBinary serializes the config for handoff to the executor.
func (c Config) MarshalBinary() ([]byte, error) { return json.Marshal(c) }

// ParseConfig decodes raw JSON into a Config without validating it.
func ParseConfig(raw json.RawMessage) (Config, error) {
	var c Config
	if err := json.Unmarshal(raw, &c); err != nil {
		return Config{}, NewValidationError("", "is not valid JSON")
	}
	return c, nil
}
