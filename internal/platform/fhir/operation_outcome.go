package fhir

// OperationOutcome severity levels (FHIR R4).
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes (FHIR R4).
const (
	IssueTypeInvalid         = "invalid"
	IssueTypeStructure       = "structure"
	IssueTypeRequired        = "required"
	IssueTypeValue           = "value"
	IssueTypeNotFound        = "not-found"
	IssueTypeConflict        = "conflict"
	IssueTypeProcessing      = "processing"
	IssueTypeNotSupported    = "not-supported"
	IssueTypeBusinessRule    = "business-rule"
	IssueTypeException       = "exception"
	IssueTypeDuplicate       = "duplicate"
	IssueTypeDeleted         = "deleted"
	IssueTypeMultipleMatches = "multiple-matches"
	IssueTypeInformational   = "informational"
	IssueTypeTooCostly       = "too-costly"
	IssueTypeTimeout         = "timeout"
	IssueTypeThrottled       = "throttled"
	IssueTypeLogin           = "login"
	IssueTypeForbidden       = "forbidden"
)

// HasErrors returns true if the outcome contains any error or fatal issues.
func (o *OperationOutcome) HasErrors() bool {
	for _, issue := range o.Issue {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}

// InternalErrorOutcome creates an OperationOutcome for internal server errors.
func InternalErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityFatal, IssueTypeException, diagnostics)
}

// InformationOutcome creates an informational OperationOutcome, used for
// successful interactions that have no resource to return.
func InformationOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityInformation, IssueTypeInformational, diagnostics)
}

// MultipleIssuesOutcome creates an OperationOutcome with multiple issues from validation.
func MultipleIssuesOutcome(issues []OperationOutcomeIssue) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue:        issues,
	}
}
