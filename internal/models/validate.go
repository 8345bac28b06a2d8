package models

import (
	"errors"
	"reflect"
	"strings"
	"sync"
	"time"

	"task-hierarchy/backend/internal/domain"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("status", func(fl validator.FieldLevel) bool {
			return Status(fl.Field().String()).Valid()
		})
		_ = v.RegisterValidation("rfc3339", func(fl validator.FieldLevel) bool {
			return ValidDateTime(fl.Field().String())
		})
		validate = v
	})
	return validate
}

// ValidDateTime reports whether s is an ISO-8601 date-time carrying a UTC offset.
func ValidDateTime(s string) bool {
	_, err := time.Parse(time.RFC3339, s)
	return err == nil
}

func validateStruct(e Entity) error {
	err := validatorInstance().Struct(e)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := make([]domain.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, domain.FieldError{Field: fe.Field(), Message: messageFor(fe.Tag())})
	}
	return domain.NewValidationErrors(out)
}

func messageFor(tag string) string {
	switch tag {
	case "required":
		return "is required"
	case "status":
		return "must be one of " + statusList()
	case "rfc3339":
		return "must be an ISO-8601 date-time with UTC offset"
	default:
		return "is invalid"
	}
}

var patchable = map[Kind]map[string]bool{
	KindEpic:  {"child_user_stories": true},
	KindStory: {"epic_id": true, "child_tasks": true},
	KindTask:  {"story_id": true},
}

var baseFields = map[string]bool{
	"name": true, "description": true, "status": true, "creator_id": true,
	"assigned_user_id": true, "due_date": true,
}

// ValidatePatch checks a partial update against the field rules applied at
// construction and returns it with values coerced to their canonical types.
// id and created_at are immutable; unknown fields are rejected.
func ValidatePatch(kind Kind, patch Fields) (Fields, error) {
	if len(patch) == 0 {
		return nil, domain.NewValidationError("fields", "at least one field is required")
	}

	r := &fieldReader{fields: patch, strict: true}
	out := make(Fields, len(patch))
	for key := range patch {
		switch {
		case key == "id" || key == "created_at":
			r.errs = append(r.errs, domain.FieldError{Field: key, Message: "is immutable"})
		case key == "child_user_stories" || key == "child_tasks":
			if patchable[kind][key] {
				out[key] = r.list(key)
			} else {
				r.errs = append(r.errs, domain.FieldError{Field: key, Message: "is not a " + string(kind) + " field"})
			}
		case key == "assigned_user_id":
			if p := r.optStr(key); p != nil {
				out[key] = *p
			} else {
				out[key] = nil
			}
		case baseFields[key] || patchable[kind][key]:
			out[key] = r.str(key)
		default:
			r.errs = append(r.errs, domain.FieldError{Field: key, Message: "is not a " + string(kind) + " field"})
		}
	}
	if err := r.err(); err != nil {
		return nil, err
	}

	var errs []domain.FieldError
	for _, key := range []string{"name", "description", "creator_id"} {
		if v, ok := out[key]; ok && v == "" {
			errs = append(errs, domain.FieldError{Field: key, Message: "is required"})
		}
	}
	if v, ok := out["status"]; ok && !Status(v.(string)).Valid() {
		errs = append(errs, domain.FieldError{Field: "status", Message: messageFor("status")})
	}
	if v, ok := out["due_date"]; ok && v != "" && !ValidDateTime(v.(string)) {
		errs = append(errs, domain.FieldError{Field: "due_date", Message: messageFor("rfc3339")})
	}
	if len(errs) > 0 {
		return nil, domain.NewValidationErrors(errs)
	}
	return out, nil
}
