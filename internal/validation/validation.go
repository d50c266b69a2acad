// Package validation checks submitted envelopes and items before they are
// appended.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/jmerrifield20/openregister/internal/register/model"
)

// Error is one validation failure, located with a JSONPath-like expression.
type Error struct {
	Message  string `json:"error_message"`
	Location string `json:"location"`
}

// Envelope is a submitted item with its hash and signature.
type Envelope struct {
	Item          model.Item `json:"item"           validate:"required"`
	ItemHash      string     `json:"item-hash"      validate:"required,startswith=sha-256:"`
	ItemSignature string     `json:"item-signature"`
}

var envelopeFields = map[string]string{
	"item":           "object",
	"item-hash":      "string",
	"item-signature": "string",
}

// Validator checks envelope structure and the presence of the key field.
type Validator struct {
	keyField string
	validate *validator.Validate
	logger   *zap.Logger
}

// New returns a Validator requiring keyField in every item.
func New(keyField string, logger *zap.Logger) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	return &Validator{keyField: keyField, validate: v, logger: logger}
}

// KeyField is the item field that names a record.
func (v *Validator) KeyField() string {
	return v.keyField
}

// Envelope validates a decoded JSON value as a single envelope.
func (v *Validator) Envelope(raw any) (*Envelope, []Error) {
	return v.envelope(raw, "$")
}

// List validates a decoded JSON value as a list of envelopes. Errors from all
// elements are reported together.
func (v *Validator) List(raw any) ([]*Envelope, []Error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, []Error{{Message: fmt.Sprintf("%s is not of type 'array'", describe(raw)), Location: "$."}}
	}
	var (
		out  = make([]*Envelope, 0, len(list))
		errs []Error
	)
	for i, elem := range list {
		env, elemErrs := v.envelope(elem, fmt.Sprintf("$[%d]", i))
		errs = append(errs, elemErrs...)
		out = append(out, env)
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return out, nil
}

// Item checks that item carries a non-null key field.
func (v *Validator) Item(item model.Item) []Error {
	if _, ok := item.Key(v.keyField); !ok {
		v.logger.Warn("item rejected", zap.String("reason", "missing key field"), zap.String("key_field", v.keyField))
		return []Error{{Message: fmt.Sprintf("Key field (%s) is missing", v.keyField), Location: "$."}}
	}
	return nil
}

func (v *Validator) envelope(raw any, path string) (*Envelope, []Error) {
	root := path
	if root == "$" {
		root = "$."
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, []Error{{Message: fmt.Sprintf("%s is not of type 'object'", describe(raw)), Location: root}}
	}

	var errs []Error
	names := make([]string, 0, len(envelopeFields))
	for name := range envelopeFields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		val, present := obj[name]
		if !present {
			errs = append(errs, Error{Message: fmt.Sprintf("'%s' is a required property", name), Location: root})
			continue
		}
		if typeOf(val) != envelopeFields[name] {
			errs = append(errs, Error{
				Message:  fmt.Sprintf("%s is not of type '%s'", describe(val), envelopeFields[name]),
				Location: path + "." + name,
			})
		}
	}

	var extra []string
	for name := range obj {
		if _, known := envelopeFields[name]; !known {
			extra = append(extra, fmt.Sprintf("'%s'", name))
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		verb := "was"
		if len(extra) > 1 {
			verb = "were"
		}
		errs = append(errs, Error{
			Message:  fmt.Sprintf("Additional properties are not allowed (%s %s unexpected)", strings.Join(extra, ", "), verb),
			Location: root,
		})
	}
	if len(errs) > 0 {
		return nil, errs
	}

	env := &Envelope{
		Item:          model.Item(obj["item"].(map[string]any)),
		ItemHash:      obj["item-hash"].(string),
		ItemSignature: obj["item-signature"].(string),
	}
	if err := v.validate.Struct(env); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return nil, []Error{{Message: err.Error(), Location: root}}
		}
		for _, fe := range fieldErrs {
			errs = append(errs, Error{Message: fieldMessage(fe), Location: path + "." + fe.Field()})
		}
		return nil, errs
	}
	return env, nil
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("'%s' must not be empty", fe.Field())
	case "startswith":
		return fmt.Sprintf("'%s' must start with '%s'", fe.Field(), fe.Param())
	}
	return fmt.Sprintf("'%s' failed the '%s' check", fe.Field(), fe.Tag())
}

func typeOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	}
	return "number"
}

func describe(v any) string {
	switch val := v.(type) {
	case string:
		return fmt.Sprintf("'%s'", val)
	}
	return typeOf(v)
}
