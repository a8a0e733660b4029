package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/lmtoy/pipeline-web/errors"
)

// PIDPattern is the grammar of a project identifier.
var PIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
	_ = configValidate.RegisterValidation("pid", func(fl validator.FieldLevel) bool {
		return PIDPattern.MatchString(fl.Field().String())
	})
}

// Validate checks struct constraints and the cross-field rules the tags
// cannot express. All violations are reported together.
func (c *Config) Validate() error {
	var problems []string

	if err := configValidate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				problems = append(problems, describe(fe))
			}
		} else {
			return errors.Wrap(err, errors.ErrCodeConfigValidation, "configuration validation failed")
		}
	}

	if c.Session.InitSession != "" && strings.ContainsAny(c.Session.InitSession, `/\`) {
		problems = append(problems, "session.init_session must be a single path component")
	}
	if strings.ContainsAny(c.GitHub.RepoPrefix, `/\ `) {
		problems = append(problems, "github.repo_prefix must not contain separators or spaces")
	}
	if c.SSH.Hostname != "" && c.SSH.Username == "" {
		problems = append(problems, "ssh.username is required when ssh.hostname is set")
	}
	for _, pattern := range c.Fleet.Exclude {
		if strings.TrimSpace(pattern) == "" {
			problems = append(problems, "fleet.exclude contains an empty pattern")
		}
	}

	if len(problems) > 0 {
		return errors.New(errors.ErrCodeConfigValidation, "invalid configuration:\n- "+strings.Join(problems, "\n- ")).
			WithDetail("problems", problems)
	}
	return nil
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	if fe.Param() != "" {
		return fmt.Sprintf("%s failed %q (%s)", field, fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s failed %q", field, fe.Tag())
}
