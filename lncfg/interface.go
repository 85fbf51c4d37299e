package lncfg

// Validator is implemented by every option group that has constraints
// beyond what the flag parser enforces.
type Validator interface {
	// Validate returns an error if the options are unusable.
	Validate() error
}

// Validate runs the validators in order and returns the first error.
func Validate(validators ...Validator) error {
	for _, validator := range validators {
		if err := validator.Validate(); err != nil {
			return err
		}
	}

	return nil
}
