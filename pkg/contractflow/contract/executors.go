package contract

import (
	"github.com/randalmurphal/contractflow/pkg/contractflow"
)

// StepFunc executes one pipeline step.
type StepFunc = contractflow.StepFunc[State]

// Executors performs the work of each step. Implementations must be safe to
// re-run: a resumed task repeats the step that failed.
type Executors interface {
	ValidateInput(ctx contractflow.Context, s State) (State, error)
	ProcessDocument(ctx contractflow.Context, s State) (State, error)
	ValidateDocumentQuality(ctx contractflow.Context, s State) (State, error)
	ExtractTerms(ctx contractflow.Context, s State) (State, error)
	ValidateTermsCompleteness(ctx contractflow.Context, s State) (State, error)
	AnalyzeCompliance(ctx contractflow.Context, s State) (State, error)
	AssessRisks(ctx contractflow.Context, s State) (State, error)
	AnalyzeContractDiagrams(ctx contractflow.Context, s State) (State, error)
	GenerateRecommendations(ctx contractflow.Context, s State) (State, error)
	ValidateFinalOutput(ctx contractflow.Context, s State) (State, error)
	CompileReport(ctx contractflow.Context, s State) (State, error)
}

// Funcs implements Executors with one function per step.
// A nil field passes the state through unchanged.
type Funcs struct {
	ValidateInputFunc             StepFunc
	ProcessDocumentFunc           StepFunc
	ValidateDocumentQualityFunc   StepFunc
	ExtractTermsFunc              StepFunc
	ValidateTermsCompletenessFunc StepFunc
	AnalyzeComplianceFunc         StepFunc
	AssessRisksFunc               StepFunc
	AnalyzeContractDiagramsFunc   StepFunc
	GenerateRecommendationsFunc   StepFunc
	ValidateFinalOutputFunc       StepFunc
	CompileReportFunc             StepFunc
}

var _ Executors = Funcs{}

func call(fn StepFunc, ctx contractflow.Context, s State) (State, error) {
	if fn == nil {
		return s, nil
	}
	return fn(ctx, s)
}

func (f Funcs) ValidateInput(ctx contractflow.Context, s State) (State, error) {
	return call(f.ValidateInputFunc, ctx, s)
}

func (f Funcs) ProcessDocument(ctx contractflow.Context, s State) (State, error) {
	return call(f.ProcessDocumentFunc, ctx, s)
}

func (f Funcs) ValidateDocumentQuality(ctx contractflow.Context, s State) (State, error) {
	return call(f.ValidateDocumentQualityFunc, ctx, s)
}

func (f Funcs) ExtractTerms(ctx contractflow.Context, s State) (State, error) {
	return call(f.ExtractTermsFunc, ctx, s)
}

func (f Funcs) ValidateTermsCompleteness(ctx contractflow.Context, s State) (State, error) {
	return call(f.ValidateTermsCompletenessFunc, ctx, s)
}

func (f Funcs) AnalyzeCompliance(ctx contractflow.Context, s State) (State, error) {
	return call(f.AnalyzeComplianceFunc, ctx, s)
}

func (f Funcs) AssessRisks(ctx contractflow.Context, s State) (State, error) {
	return call(f.AssessRisksFunc, ctx, s)
}

func (f Funcs) AnalyzeContractDiagrams(ctx contractflow.Context, s State) (State, error) {
	return call(f.AnalyzeContractDiagramsFunc, ctx, s)
}

func (f Funcs) GenerateRecommendations(ctx contractflow.Context, s State) (State, error) {
	return call(f.GenerateRecommendationsFunc, ctx, s)
}

func (f Funcs) ValidateFinalOutput(ctx contractflow.Context, s State) (State, error) {
	return call(f.ValidateFinalOutputFunc, ctx, s)
}

func (f Funcs) CompileReport(ctx contractflow.Context, s State) (State, error) {
	return call(f.CompileReportFunc, ctx, s)
}

// stepFuncs binds each step name to its executor method.
func stepFuncs(e Executors) map[string]StepFunc {
	return map[string]StepFunc{
		StepValidateInput:             e.ValidateInput,
		StepProcessDocument:           e.ProcessDocument,
		StepValidateDocumentQuality:   e.ValidateDocumentQuality,
		StepExtractTerms:              e.ExtractTerms,
		StepValidateTermsCompleteness: e.ValidateTermsCompleteness,
		StepAnalyzeCompliance:         e.AnalyzeCompliance,
		StepAssessRisks:               e.AssessRisks,
		StepAnalyzeContractDiagrams:   e.AnalyzeContractDiagrams,
		StepGenerateRecommendations:   e.GenerateRecommendations,
		StepValidateFinalOutput:       e.ValidateFinalOutput,
		StepCompileReport:             e.CompileReport,
	}
}
