package workflow

import "fmt"

func reviewEdges() map[string][]string {
	return map[string][]string{
		StatusPending:           {StatusAssignedInspector, StatusRejected, StatusHalted},
		StatusAssignedInspector: {StatusRecommended, StatusRejected, StatusHalted},
		StatusRecommended:       {StatusApproved, StatusRejected, StatusHalted},
		StatusHalted:            {StatusAssignedInspector, StatusRejected},
	}
}

var (
	Applications = NewMachine("application", "application_forms", reviewEdges())
	Permits      = NewMachine("import_permit", "import_permits", reviewEdges())
	Returns      = NewMachine("planting_return", "planting_returns", reviewEdges())

	Declarations = NewMachine("crop_declaration", "crop_declarations", map[string][]string{
		StatusPending:           {StatusAssignedInspector, StatusRejected, StatusHalted},
		StatusAssignedInspector: {StatusInspecting, StatusRejected, StatusHalted},
		StatusInspecting:        {StatusAccepted, StatusRejected, StatusHalted},
		StatusHalted:            {StatusAssignedInspector, StatusRejected},
	})

	StockExams = NewMachine("stock_examination", "stock_examinations", map[string][]string{
		StatusPending:           {StatusAssignedInspector, StatusRejected, StatusHalted},
		StatusAssignedInspector: {StatusAccepted, StatusRejected, StatusHalted},
		StatusHalted:            {StatusAssignedInspector, StatusRejected},
	})

	Labs = NewMachine("seed_lab", "seed_labs", map[string][]string{
		StatusPending:  {StatusReceived, StatusRejected},
		StatusReceived: {StatusTested, StatusRejected},
		StatusTested:   {StatusMarketable, StatusNotMarketable},
	})

	Labels = NewMachine("seed_label", "seed_labels", map[string][]string{
		StatusPending:  {StatusApproved, StatusRejected},
		StatusApproved: {StatusPrinted},
	})
)

// Field inspection stages of a crop declaration, in order.
const (
	StagePreFlowering = "pre_flowering"
	StageFlowering    = "flowering"
	StagePreHarvest   = "pre_harvest"
)

var Stages = []string{StagePreFlowering, StageFlowering, StagePreHarvest}

// Inspection decisions.
const (
	DecisionPass      = "pass"
	DecisionFail      = "fail"
	DecisionReinspect = "reinspect"
)

var Decisions = []string{DecisionPass, DecisionFail, DecisionReinspect}

// Outcome is the effect of one field inspection on its declaration.
type Outcome struct {
	Status string // declaration status after the inspection
	Stage  string // stage the next inspection must cover
}

// Inspect works out where a declaration goes after an inspection of stage
// with decision, given that the declaration currently expects current.
func Inspect(current, stage, decision string) (Outcome, error) {
	if stage != current {
		return Outcome{}, fmt.Errorf("%w: expected %s inspection, got %s", ErrInvalidTransition, current, stage)
	}
	switch decision {
	case DecisionFail:
		return Outcome{Status: StatusRejected, Stage: current}, nil
	case DecisionReinspect:
		return Outcome{Status: StatusInspecting, Stage: current}, nil
	case DecisionPass:
		for i, s := range Stages {
			if s != current {
				continue
			}
			if i == len(Stages)-1 {
				return Outcome{Status: StatusAccepted, Stage: current}, nil
			}
			return Outcome{Status: StatusInspecting, Stage: Stages[i+1]}, nil
		}
		return Outcome{}, fmt.Errorf("unknown stage %q", current)
	default:
		return Outcome{}, fmt.Errorf("unknown decision %q", decision)
	}
}
