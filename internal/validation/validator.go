// =============================================================================
// Usage Reconciler - Upload Validation
// =============================================================================
//
// Checks aggregated usage rows before they are chunked and uploaded.
//
// RULES:
//   required      customer id present (error)
//   uuid          customer id is a UUID, when RequireUUIDCustomerIDs (error)
//   date          datetime is YYYY-MM-DD (error)
//   non_negative  value >= 0 (error)
//   event_type    event type is in the billing vocabulary (error)
//   zero_value    value is 0 (warning)
//   differentiator  a parent sub-account row has no differentiator (warning)
//
// ERROR HANDLING:
//   Errors are collected, never returned early, unless StopOnFirstError.
//   The caller decides from ValidationResult.IsValid whether to go on.
//
// =============================================================================

package validation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ginjaninja78/usage-reconciler/internal/store"
	"github.com/ginjaninja78/usage-reconciler/internal/types"
	"github.com/ginjaninja78/usage-reconciler/pkg/utils"
)

// Severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// =============================================================================
// VALIDATION ERROR TYPES
// =============================================================================

// ValidationError is one failed rule on one row.
type ValidationError struct {
	// Severity is SeverityError or SeverityWarning.
	Severity string

	// Field is the output column that failed.
	Field string

	Value string
	Rule  string

	Message string

	// Row is the one-based position in the validated slice.
	Row int

	CustomerID   string
	CustomerName string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	who := e.CustomerID
	if who == "" {
		who = e.CustomerName
	}
	return fmt.Sprintf("[%s] Row %d (%s), Field '%s': %s (value: '%s')",
		strings.ToUpper(e.Severity),
		e.Row,
		who,
		e.Field,
		e.Message,
		e.Value,
	)
}

// =============================================================================
// VALIDATION RESULT
// =============================================================================

// ValidationResult contains the results of validation.
type ValidationResult struct {
	// IsValid is true if there are no errors (or warnings, when treated as
	// errors).
	IsValid bool

	// Errors contains all findings, warnings included.
	Errors []*ValidationError

	ErrorCount   int
	WarningCount int

	RowsValidated int
}

// =============================================================================
// VALIDATOR
// =============================================================================

// Validator checks usage rows.
type Validator struct {
	options ValidationOptions
}

// ValidationOptions contains options for validation.
type ValidationOptions struct {
	// RequireUUIDCustomerIDs rejects customer ids that are not UUIDs.
	RequireUUIDCustomerIDs bool

	// StopOnFirstError stops validation after the first error.
	StopOnFirstError bool

	// TreatWarningsAsErrors makes any warning invalidate the result.
	TreatWarningsAsErrors bool
}

// DefaultValidationOptions returns the default validation options.
func DefaultValidationOptions() ValidationOptions {
	return ValidationOptions{}
}

// NewValidator creates a Validator.
func NewValidator(options ValidationOptions) *Validator {
	return &Validator{options: options}
}

// =============================================================================
// MAIN VALIDATION FUNCTION
// =============================================================================

// Validate checks rows with the given options and returns every finding.
func Validate(rows []types.AggregatedUsage, options ValidationOptions) []*ValidationError {
	return NewValidator(options).ValidateAll(rows).Errors
}

// ValidateAll validates all rows and returns a detailed result.
func (v *Validator) ValidateAll(rows []types.AggregatedUsage) *ValidationResult {
	result := &ValidationResult{
		IsValid:       true,
		Errors:        make([]*ValidationError, 0),
		RowsValidated: len(rows),
	}

	for i := range rows {
		for _, err := range v.ValidateRow(i+1, rows[i]) {
			result.Errors = append(result.Errors, err)

			if err.Severity == SeverityError {
				result.ErrorCount++
				result.IsValid = false

				if v.options.StopOnFirstError {
					return result
				}
			} else {
				result.WarningCount++

				if v.options.TreatWarningsAsErrors {
					result.IsValid = false
				}
			}
		}
	}

	return result
}

// ValidateRow checks one row. row is its one-based position, for reporting.
func (v *Validator) ValidateRow(row int, u types.AggregatedUsage) []*ValidationError {
	var errs []*ValidationError
	add := func(severity, field, value, rule, msg string) {
		errs = append(errs, &ValidationError{
			Severity:     severity,
			Field:        field,
			Value:        value,
			Rule:         rule,
			Message:      msg,
			Row:          row,
			CustomerID:   u.CustomerID,
			CustomerName: u.CustomerName,
		})
	}

	id := strings.TrimSpace(u.CustomerID)
	switch {
	case id == "":
		add(SeverityError, types.ColCustomerID, u.CustomerID, "required", "customer id is missing")
	case v.options.RequireUUIDCustomerIDs:
		if _, err := uuid.Parse(id); err != nil {
			add(SeverityError, types.ColCustomerID, u.CustomerID, "uuid", "customer id is not a UUID")
		}
	}

	if msg := validateDate(u.Date); msg != "" {
		add(SeverityError, types.ColDatetime, u.Date, "date", msg)
	}

	switch {
	case u.Value.IsNegative():
		add(SeverityError, types.ColValue, u.Value.String(), "non_negative", "value must not be negative")
	case u.Value.IsZero():
		add(SeverityWarning, types.ColValue, u.Value.String(), "zero_value", "value is zero")
	}

	if !types.IsKnownEvent(u.EventType) {
		add(SeverityError, types.ColEventType, u.EventType, "event_type",
			fmt.Sprintf("event type must be one of %s", strings.Join(types.EventTypes, ", ")))
	}

	if u.CustomerID != "" && u.GroupKey != "" && u.GroupKey != u.CustomerID && u.Differentiator == "" {
		add(SeverityWarning, types.ColDifferentiator, "", "differentiator", "sub-account row has no differentiator")
	}

	return errs
}

// validateDate returns an error message for anything but a calendar date.
func validateDate(value string) string {
	if value == "" {
		return "date is missing"
	}
	if _, err := time.Parse(utils.DateLayout, value); err != nil {
		return fmt.Sprintf("invalid date format (expected %s)", utils.DateLayout)
	}
	return ""
}

// =============================================================================
// ERROR FORMATTING
// =============================================================================

// FormatErrors formats validation errors for display or logging.
//
// PARAMETERS:
//   - errors: The validation errors to format.
//
// RETURNS:
//   - A formatted string containing all errors.
func FormatErrors(errors []*ValidationError) string {
	if len(errors) == 0 {
		return "No validation errors."
	}

	var builder strings.Builder

	builder.WriteString(fmt.Sprintf("Validation completed with %d finding(s):\n\n", len(errors)))

	for i, err := range errors {
		builder.WriteString(fmt.Sprintf("%d. %s\n", i+1, err.Error()))
	}

	return builder.String()
}

// WriteErrorLog writes FormatErrors output to filePath atomically.
func WriteErrorLog(errors []*ValidationError, filePath string) error {
	if err := store.WriteFileAtomic(filePath, []byte(FormatErrors(errors)), 0644); err != nil {
		return fmt.Errorf("failed to write validation log: %w", err)
	}
	return nil
}
