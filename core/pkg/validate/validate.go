// Package validate wraps go-playground/validator for struct-tag-driven
// configuration checks, grounded on contrib/validator/playground/driver.go's
// Driver.Validate, narrowed to the single Struct-validation operation the
// protocol adapters' option structs need - field presence and numeric range,
// not the full translation/custom-message machinery that driver exposes.
package validate

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var instance = validator.New()

// Struct validates data's exported fields against their `validate` tags,
// joining every failing field into one error.
func Struct(data any) error {
	err := instance.Struct(data)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", e.Field(), e.Tag()))
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
