package validation

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/inqbatorchris/aimee-sub010/internal/store"
	"github.com/inqbatorchris/aimee-sub010/pkg/schema"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// validateSemantic runs per-step config checks the JSON Schema cannot
// express: operator membership, required config fields, formula charset,
// read-only queries, recursive condition branches.
func validateSemantic(wf *store.Workflow) error {
	for i := range wf.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if err := validateStep(&wf.Steps[i], path); err != nil {
			return err
		}
	}
	if wf.Retry.MaxRetries < 0 || wf.Retry.MaxRetries > 10 {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"retry.max_retries must be between 0 and 10, got %d", wf.Retry.MaxRetries)
	}
	return nil
}

func validateStep(step *schema.Step, path string) error {
	if !slices.Contains(schema.KnownStepTypes, step.Type) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"%s: unknown step type %q", path, step.Type)
	}

	switch step.Type {
	case schema.StepTypeNotification:
		var cfg schema.NotificationConfig
		if err := decodeStepConfig(step, path, &cfg); err != nil {
			return err
		}
		if cfg.Message == "" {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"%s: notification requires a message", path)
		}

	case schema.StepTypeAPICall:
		var cfg schema.APICallConfig
		if err := decodeStepConfig(step, path, &cfg); err != nil {
			return err
		}
		if cfg.URL == "" {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"%s: api_call requires a url", path)
		}
		if cfg.Timeout != "" {
			if _, err := time.ParseDuration(cfg.Timeout); err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"%s: invalid timeout %q", path, cfg.Timeout)
			}
		}

	case schema.StepTypeDataTransformation:
		var cfg schema.TransformConfig
		if err := decodeStepConfig(step, path, &cfg); err != nil {
			return err
		}
		if cfg.Formula == "" && len(cfg.Mappings) == 0 {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"%s: data_transformation requires a formula or mappings", path)
		}

	case schema.StepTypeCondition:
		var cfg schema.ConditionConfig
		if err := decodeStepConfig(step, path, &cfg); err != nil {
			return err
		}
		if cfg.Expression == "" {
			if cfg.Field == "" || cfg.Operator == "" {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"%s: condition requires field and operator, or an expression", path)
			}
			if !slices.Contains(schema.KnownConditionOperators, cfg.Operator) {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"%s: unknown condition operator %q", path, cfg.Operator)
			}
		}
		for j := range cfg.Then {
			if err := validateStep(&cfg.Then[j], fmt.Sprintf("%s.then[%d]", path, j)); err != nil {
				return err
			}
		}
		for j := range cfg.Else {
			if err := validateStep(&cfg.Else[j], fmt.Sprintf("%s.else[%d]", path, j)); err != nil {
				return err
			}
		}

	case schema.StepTypeIntegrationAction:
		var cfg schema.IntegrationActionConfig
		if err := decodeStepConfig(step, path, &cfg); err != nil {
			return err
		}
		if cfg.IntegrationType == "" || cfg.Action == "" {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"%s: integration_action requires integration_type and action", path)
		}

	case schema.StepTypeDatabaseQuery:
		var cfg schema.DatabaseQueryConfig
		if err := decodeStepConfig(step, path, &cfg); err != nil {
			return err
		}
		if err := store.CheckReadOnly(cfg.Query); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"%s: %s", path, err.Error())
		}

	case schema.StepTypeStrategyUpdate:
		var cfg schema.StrategyUpdateConfig
		if err := decodeStepConfig(step, path, &cfg); err != nil {
			return err
		}
		if err := validateStrategyUpdate(&cfg, path); err != nil {
			return err
		}

	case schema.StepTypeDataSourceQuery:
		var cfg schema.DataSourceQueryConfig
		if err := decodeStepConfig(step, path, &cfg); err != nil {
			return err
		}
		if cfg.Table == "" {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"%s: data_source_query requires a table", path)
		}
		if !slices.Contains([]string{schema.AggCount, schema.AggSum, schema.AggAvg, schema.AggMin, schema.AggMax}, cfg.Aggregation) {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"%s: unknown aggregation %q", path, cfg.Aggregation)
		}
		if cfg.Aggregation != schema.AggCount && cfg.AggregationField == "" {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"%s: aggregation %q requires aggregation_field", path, cfg.Aggregation)
		}
		if cfg.Update != nil {
			if err := validateStrategyUpdate(cfg.Update, path+".update"); err != nil {
				return err
			}
		}

	case schema.StepTypeWait:
		var cfg schema.WaitConfig
		if err := decodeStepConfig(step, path, &cfg); err != nil {
			return err
		}
		if cfg.Seconds <= 0 {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"%s: wait requires positive seconds", path)
		}
	}
	return nil
}

func validateStrategyUpdate(cfg *schema.StrategyUpdateConfig, path string) error {
	if strings.TrimSpace(cfg.TargetID) == "" {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"%s: strategy_update requires a target_id", path)
	}
	ops := []string{schema.StrategySetValue, schema.StrategyIncrement, schema.StrategyPercentOfTarget}
	if !slices.Contains(ops, cfg.Operation) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"%s: unknown strategy_update operation %q", path, cfg.Operation)
	}
	return nil
}

func decodeStepConfig(step *schema.Step, path string, dst any) error {
	if len(step.Config) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"%s: %s requires a config block", path, step.Type)
	}
	if err := json.Unmarshal(step.Config, dst); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"%s: invalid config: %s", path, err.Error()).WithCause(err)
	}
	return nil
}

// ValidateSchedule checks a schedule's cron expression and timezone before
// registration.
func ValidateSchedule(sched *store.Schedule) error {
	if sched == nil {
		return schema.NewError(schema.ErrCodeValidation, "schedule is nil")
	}
	if sched.WorkflowID == "" {
		return schema.NewError(schema.ErrCodeValidation, "schedule requires a workflow_id")
	}
	if _, err := cronParser.Parse(sched.CronExpression); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid cron expression %q: %s", sched.CronExpression, err.Error())
	}
	if sched.Timezone != "" {
		if _, err := time.LoadLocation(sched.Timezone); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"invalid timezone %q", sched.Timezone)
		}
	}
	return nil
}
