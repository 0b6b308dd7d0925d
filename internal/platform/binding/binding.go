// Package binding maps a JSON request body onto a typed request and
// validates it. Alternate spellings of a field are declared per request type
// and resolved once, before decoding.
package binding

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/hospital/backoffice/internal/platform/apperr"
)

// Aliases maps a canonical JSON field name to the alternate names accepted
// for it, e.g. {"invoice_id": {"invoiceId"}}.
type Aliases map[string][]string

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	// Compare decimals numerically so gt/gte/lte tags work on money.
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// Bind reads the JSON body of c, resolves aliases, decodes into dst and runs
// struct validation. All failures are apperr validation errors.
func Bind(c echo.Context, dst interface{}, aliases Aliases) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return apperr.Validation("unreadable request body")
	}
	return Decode(raw, dst, aliases)
}

// Decode is Bind for an already read body.
func Decode(raw []byte, dst interface{}, aliases Aliases) error {
	fields := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return apperr.Validation("request body must be a JSON object")
		}
	}

	if err := Canonicalize(fields, aliases); err != nil {
		return err
	}

	normalized, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("re-encode request body: %w", err)
	}
	if err := json.Unmarshal(normalized, dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return apperr.ValidationFields(map[string]string{
				typeErr.Field: "must be a " + typeErr.Type.String(),
			})
		}
		return apperr.Validation("invalid request body: %v", err)
	}

	return Validate(dst)
}

// Canonicalize rewrites alternate keys in fields to their canonical name.
// Supplying the same value under several names is accepted; different values
// are rejected.
func Canonicalize(fields map[string]json.RawMessage, aliases Aliases) error {
	canonicals := make([]string, 0, len(aliases))
	for k := range aliases {
		canonicals = append(canonicals, k)
	}
	sort.Strings(canonicals)

	for _, canonical := range canonicals {
		value, have := fields[canonical]
		source := canonical
		for _, alt := range aliases[canonical] {
			v, ok := fields[alt]
			if !ok {
				continue
			}
			delete(fields, alt)
			if !have {
				value, have, source = v, true, alt
				continue
			}
			if !sameJSON(value, v) {
				return apperr.ValidationFields(map[string]string{
					canonical: fmt.Sprintf("conflicting values for %s and %s", source, alt),
				})
			}
		}
		if have {
			fields[canonical] = value
		}
	}
	return nil
}

func sameJSON(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

// Validate runs struct validation on v and translates failures.
func Validate(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return apperr.Validation("invalid request: %v", err)
	}
	out := make(map[string]string, len(ve))
	for _, fe := range ve {
		out[fe.Field()] = message(fe)
	}
	return apperr.ValidationFields(out)
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "oneof":
		return "must be one of " + fe.Param()
	default:
		return "failed " + fe.Tag() + " validation"
	}
}
