// Package contract defines the contract-analysis pipeline: its eleven steps,
// the typed state threaded through them, and a Workflow that runs them with
// a contractflow.Sequencer inside a recovery.Tracker.
//
// Step logic itself is supplied by the caller through Executors. The package
// owns ordering, progress percentages, the quality and completeness checks,
// and optional per-step retries.
package contract

import (
	"github.com/randalmurphal/contractflow/pkg/contractflow"
	"github.com/randalmurphal/contractflow/pkg/contractflow/retry"
)

// Step names, in execution order.
const (
	StepValidateInput             = "validate_input"
	StepProcessDocument           = "process_document"
	StepValidateDocumentQuality   = "validate_document_quality"
	StepExtractTerms              = "extract_terms"
	StepValidateTermsCompleteness = "validate_terms_completeness"
	StepAnalyzeCompliance         = "analyze_compliance"
	StepAssessRisks               = "assess_risks"
	StepAnalyzeContractDiagrams   = "analyze_contract_diagrams"
	StepGenerateRecommendations   = "generate_recommendations"
	StepValidateFinalOutput       = "validate_final_output"
	StepCompileReport             = "compile_report"
)

// Order is the contract-analysis pipeline.
var Order = contractflow.MustStepOrder(
	contractflow.Step{Name: StepValidateInput, Percent: 5, Description: "Initialize comprehensive contract analysis"},
	contractflow.Step{Name: StepProcessDocument, Percent: 20, Description: "Extract text from the contract document"},
	contractflow.Step{Name: StepValidateDocumentQuality, Percent: 28, Description: "Validate document quality"},
	contractflow.Step{Name: StepExtractTerms, Percent: 40, Description: "Extract key contract terms"},
	contractflow.Step{Name: StepValidateTermsCompleteness, Percent: 48, Description: "Validate terms completeness"},
	contractflow.Step{Name: StepAnalyzeCompliance, Percent: 58, Description: "Analyze compliance with state regulations"},
	contractflow.Step{Name: StepAssessRisks, Percent: 68, Description: "Assess contract risks"},
	contractflow.Step{Name: StepAnalyzeContractDiagrams, Percent: 76, Description: "Analyze contract diagrams"},
	contractflow.Step{Name: StepGenerateRecommendations, Percent: 85, Description: "Generate recommendations"},
	contractflow.Step{Name: StepValidateFinalOutput, Percent: 92, Description: "Validate final output"},
	contractflow.Step{Name: StepCompileReport, Percent: 98, Description: "Compile analysis report"},
)

// stepCategories maps the steps that call external services to the retry
// category governing them. Validation steps are not retried.
var stepCategories = map[string]retry.Category{
	StepProcessDocument:         retry.CategoryFileProcessing,
	StepExtractTerms:            retry.CategoryContractAnalysis,
	StepAnalyzeCompliance:       retry.CategoryContractAnalysis,
	StepAssessRisks:             retry.CategoryContractAnalysis,
	StepAnalyzeContractDiagrams: retry.CategoryContractAnalysis,
	StepGenerateRecommendations: retry.CategoryContractAnalysis,
	StepCompileReport:           retry.CategoryDatabase,
}

// StepCategory returns the retry category of a step, if it has one.
func StepCategory(step string) (retry.Category, bool) {
	c, ok := stepCategories[contractflow.CanonicalStep(step)]
	return c, ok
}
