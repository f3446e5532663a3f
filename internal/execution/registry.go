package execution

import (
	"tradingagents/internal/models"
)

// Stage names
const (
	StageMarket       = "market"
	StageSocial       = "social"
	StageNews         = "news"
	StageFundamentals = "fundamentals"

	StageBullResearcher  = "bull_researcher"
	StageBearResearcher  = "bear_researcher"
	StageResearchManager = "research_manager"

	StageTrader = "trader"

	StageAggressiveAnalyst   = "aggressive_analyst"
	StageConservativeAnalyst = "conservative_analyst"
	StageNeutralAnalyst      = "neutral_analyst"

	StagePortfolioManager = "portfolio_manager"
)

// StageDef describes one stage of the pipeline
type StageDef struct {
	Name     string           `json:"name"`
	Title    string           `json:"title"`
	Team     string           `json:"team"`
	Section  string           `json:"section,omitempty"` // empty for debate stages
	Optional bool             `json:"optional"`
	Tier     models.ModelTier `json:"model_tier"`
}

// Team is an ordered group of stages. Teams are barriers: no stage of a later
// team starts until every stage of this team is terminal.
type Team struct {
	Name       string     `json:"name"`
	Concurrent bool       `json:"concurrent"`
	Stages     []StageDef `json:"stages"`
}

var teams = []Team{
	{
		Name:       "Analyst Team",
		Concurrent: true,
		Stages: []StageDef{
			{Name: StageMarket, Title: "Market Analyst", Section: models.SectionMarket},
			{Name: StageSocial, Title: "Social Analyst", Section: models.SectionSentiment, Optional: true},
			{Name: StageNews, Title: "News Analyst", Section: models.SectionNews, Optional: true},
			{Name: StageFundamentals, Title: "Fundamentals Analyst", Section: models.SectionFundamentals, Optional: true},
		},
	},
	{
		Name: "Research Team",
		Stages: []StageDef{
			{Name: StageBullResearcher, Title: "Bull Researcher"},
			{Name: StageBearResearcher, Title: "Bear Researcher"},
			{Name: StageResearchManager, Title: "Research Manager", Section: models.SectionInvestment, Tier: models.ModelTierDeep},
		},
	},
	{
		Name: "Trading Team",
		Stages: []StageDef{
			{Name: StageTrader, Title: "Trader", Section: models.SectionTraderPlan},
		},
	},
	{
		Name:       "Risk Management",
		Concurrent: true,
		Stages: []StageDef{
			{Name: StageAggressiveAnalyst, Title: "Aggressive Analyst"},
			{Name: StageConservativeAnalyst, Title: "Conservative Analyst"},
			{Name: StageNeutralAnalyst, Title: "Neutral Analyst"},
		},
	},
	{
		Name: "Portfolio Management",
		Stages: []StageDef{
			{Name: StagePortfolioManager, Title: "Portfolio Manager", Section: models.SectionFinalDecision, Tier: models.ModelTierDeep},
		},
	},
}

var stageIndex = func() map[string]StageDef {
	idx := make(map[string]StageDef)
	for ti := range teams {
		for si := range teams[ti].Stages {
			def := &teams[ti].Stages[si]
			def.Team = teams[ti].Name
			if def.Tier == "" {
				def.Tier = models.ModelTierQuick
			}
			idx[def.Name] = *def
		}
	}
	return idx
}()

// Teams returns a copy of the registry in barrier order
func Teams() []Team {
	out := make([]Team, len(teams))
	for i, t := range teams {
		out[i] = Team{Name: t.Name, Concurrent: t.Concurrent, Stages: append([]StageDef(nil), t.Stages...)}
	}
	return out
}

// LookupStage returns the definition of a named stage
func LookupStage(name string) (StageDef, bool) {
	def, ok := stageIndex[name]
	return def, ok
}

// OptionalStages lists the stage names a caller may select, in registry order
func OptionalStages() []string {
	var names []string
	for _, t := range teams {
		for _, s := range t.Stages {
			if s.Optional {
				names = append(names, s.Name)
			}
		}
	}
	return names
}

// Plan is the resolved, ordered set of stages one session will run
type Plan struct {
	Teams []Team
}

// StageNames flattens the plan into stage order
func (p Plan) StageNames() []string {
	var names []string
	for _, t := range p.Teams {
		for _, s := range t.Stages {
			names = append(names, s.Name)
		}
	}
	return names
}

// NormalizeSelection reduces a caller's selection to known optional stages,
// deduplicated and in registry order. Unknown names are dropped.
func NormalizeSelection(selected []string) []string {
	want := make(map[string]bool, len(selected))
	for _, name := range selected {
		want[name] = true
	}
	normalized := []string{}
	for _, name := range OptionalStages() {
		if want[name] {
			normalized = append(normalized, name)
		}
	}
	return normalized
}

// ResolvePlan returns every always-run stage plus the selected optional ones,
// each in its team's fixed position. Unknown names are ignored.
func ResolvePlan(selected []string) Plan {
	want := make(map[string]bool, len(selected))
	for _, name := range selected {
		want[name] = true
	}

	var plan Plan
	for _, t := range teams {
		team := Team{Name: t.Name, Concurrent: t.Concurrent}
		for _, s := range t.Stages {
			if !s.Optional || want[s.Name] {
				team.Stages = append(team.Stages, stageIndex[s.Name])
			}
		}
		if len(team.Stages) > 0 {
			plan.Teams = append(plan.Teams, team)
		}
	}
	return plan
}
