package handlers

import (
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

var registerOnce sync.Once

// registerValidations adds the library's tags to gin's validator. The binding engine is
// process-wide, so this runs once. A tag that fails to register is a programming error.
func registerValidations() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		if err := v.RegisterValidation("instance_status", validateInstanceStatus); err != nil {
			panic(errors.Wrap(err, "register instance_status validation"))
		}
	})
}

func validateInstanceStatus(fl validator.FieldLevel) bool {
	switch strings.ToUpper(fl.Field().String()) {
	case "AVAILABLE", "DAMAGED", "LOST":
		return true
	}
	return false
}
